package engine

import (
	"math/rand"
	"sync"

	"questduel/internal/model"
)

// BotConfig tunes how well a bot plays against a given opponent
type BotConfig struct {
	BaseAccuracy       float64
	AccuracyMultiplier float64
	RatingScaleFactor  float64
}

// BotAgent simulates an opponent. It is safe for concurrent use.
type BotAgent struct {
	cfg BotConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBotAgent creates a bot that draws from rng
func NewBotAgent(cfg BotConfig, rng *rand.Rand) *BotAgent {
	return &BotAgent{cfg: cfg, rng: rng}
}

// ChooseAction picks uniformly among the selectable actions
func (b *BotAgent) ChooseAction() model.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.Actions[b.rng.Intn(len(model.Actions))]
}

// Accuracy is the chance of answering correctly against opponentRating, in [0,1]
func (b *BotAgent) Accuracy(opponentRating int) float64 {
	acc := b.cfg.BaseAccuracy
	if b.cfg.RatingScaleFactor > 0 {
		acc += b.cfg.AccuracyMultiplier * float64(opponentRating) / b.cfg.RatingScaleFactor
	}
	switch {
	case acc < 0:
		return 0
	case acc > 1:
		return 1
	}
	return acc
}

// ChooseAnswer returns the label the bot picks and whether it is correct
func (b *BotAgent) ChooseAnswer(q model.BattleQuestion, opponentRating int) (string, bool) {
	acc := b.Accuracy(opponentRating)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng.Float64() < acc {
		return q.CorrectAnswer, true
	}

	var wrong []string
	for _, alt := range q.Alternatives {
		if !q.IsCorrect(alt.Label) {
			wrong = append(wrong, alt.Label)
		}
	}
	if len(wrong) == 0 {
		return q.CorrectAnswer, true
	}
	return wrong[b.rng.Intn(len(wrong))], false
}

// ChooseResponseLatency returns the seconds left on the clock when the bot
// answers, uniform in [0, maxTime]
func (b *BotAgent) ChooseResponseLatency(maxTime int) int {
	if maxTime <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Intn(maxTime + 1)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"questduel/internal/cache"
	"questduel/internal/engine"
	"questduel/internal/logger"
	"questduel/internal/metrics"
	"questduel/internal/model"
	"questduel/internal/repository"
)

var errStoreDown = errors.New("store unavailable")

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewMetrics(prometheus.NewRegistry())
}

// memoryMatchRepo records match writes; fail counters make the next N calls error
type memoryMatchRepo struct {
	mu          sync.Mutex
	records     map[string]*model.MatchRecord
	statuses    map[string]model.MatchStatus
	history     map[string]*model.BattleHistory
	failCreate  int
	failHistory int
	failStatus  int
	deleted     []string
}

func newMemoryMatchRepo() *memoryMatchRepo {
	return &memoryMatchRepo{
		records:  make(map[string]*model.MatchRecord),
		statuses: make(map[string]model.MatchStatus),
		history:  make(map[string]*model.BattleHistory),
	}
}

func (r *memoryMatchRepo) CreateRecord(_ context.Context, record *model.MatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate > 0 {
		r.failCreate--
		return errStoreDown
	}
	r.records[record.ID] = record
	r.statuses[record.MatchID] = record.Status
	return nil
}

func (r *memoryMatchRepo) DeleteMatch(_ context.Context, matchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.records {
		if rec.MatchID == matchID {
			delete(r.records, id)
		}
	}
	delete(r.statuses, matchID)
	r.deleted = append(r.deleted, matchID)
	return nil
}

func (r *memoryMatchRepo) UpdateStatus(_ context.Context, matchID string, status model.MatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failStatus > 0 {
		r.failStatus--
		return errStoreDown
	}
	r.statuses[matchID] = status
	return nil
}

func (r *memoryMatchRepo) UpsertHistory(_ context.Context, history *model.BattleHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failHistory > 0 {
		r.failHistory--
		return errStoreDown
	}
	r.history[history.ID] = history
	return nil
}

func (r *memoryMatchRepo) ListHistory(_ context.Context, userID string, limit int64) ([]*model.BattleHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.BattleHistory
	for _, h := range r.history {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryMatchRepo) recordCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *memoryMatchRepo) status(matchID string) model.MatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[matchID]
}

func (r *memoryMatchRepo) historyFor(matchID, userID string) *model.BattleHistory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history[model.RecordID(matchID, userID)]
}

type staticQuestions struct {
	questions []model.BattleQuestion
	err       error
	criteria  []repository.QuestionCriteria
	mu        sync.Mutex
}

func (s *staticQuestions) Sample(_ context.Context, criteria repository.QuestionCriteria, n int) ([]model.BattleQuestion, error) {
	s.mu.Lock()
	s.criteria = append(s.criteria, criteria)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if n < len(s.questions) {
		return s.questions[:n], nil
	}
	return s.questions, nil
}

func makeQuestions(n int) []model.BattleQuestion {
	out := make([]model.BattleQuestion, n)
	for i := range out {
		out[i] = model.BattleQuestion{
			ID:     fmt.Sprintf("q%d", i+1),
			Prompt: fmt.Sprintf("Question %d", i+1),
			Alternatives: []model.Alternative{
				{Label: "A", Text: "right"},
				{Label: "B", Text: "wrong"},
				{Label: "C", Text: "wrong"},
				{Label: "D", Text: "wrong"},
			},
			CorrectAnswer: "A",
		}
	}
	return out
}

type staticProfiles struct {
	profiles map[string]model.PlayerProfile
}

func (p staticProfiles) GetProfile(_ context.Context, playerID string) (model.PlayerProfile, error) {
	if profile, ok := p.profiles[playerID]; ok {
		return profile, nil
	}
	return model.DefaultProfile(playerID), nil
}

type sentMessage struct {
	playerID string
	msgType  string
	payload  interface{}
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (b *recordingBroadcaster) SendToPlayer(playerID, msgType string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sentMessage{playerID: playerID, msgType: msgType, payload: payload})
}

func (b *recordingBroadcaster) messages(playerID, msgType string) []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []interface{}
	for _, m := range b.sent {
		if m.playerID == playerID && m.msgType == msgType {
			out = append(out, m.payload)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.RewardEvent
	fail   int
	calls  int
}

func (p *recordingPublisher) PublishReward(_ context.Context, event model.RewardEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail > 0 {
		p.fail--
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published() []model.RewardEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.RewardEvent(nil), p.events...)
}

var testBattleConfig = BattleConfig{
	QuestionsPerBattle: 3,
	TimePerQuestion:    15 * time.Second,
	Round:              engine.RoundRules{MaxHealth: 100, MinimumDamage: 5, MutualPenalty: 5},
	Rewards:            engine.DefaultRewardRules(),
}

type battleEnv struct {
	clock     *clockwork.FakeClock
	locks     cache.MatchLockCache
	repo      *memoryMatchRepo
	questions *staticQuestions
	creator   *MatchCreator
	publisher *recordingPublisher
	hub       *recordingBroadcaster
	battles   *BattleService
}

func newBattleEnv(t *testing.T, cfg BattleConfig, questions int) *battleEnv {
	t.Helper()
	env := &battleEnv{
		clock:     clockwork.NewFakeClockAt(t0),
		locks:     cache.NewMemoryMatchLockCache(),
		repo:      newMemoryMatchRepo(),
		questions: &staticQuestions{questions: makeQuestions(questions)},
		publisher: &recordingPublisher{},
		hub:       &recordingBroadcaster{},
	}
	log := logger.NewNop()
	m := newTestMetrics()
	env.creator = NewMatchCreator(env.locks, env.repo, env.clock, log, m)
	rewards := NewRewardService(env.publisher, env.clock, log)
	bots := engine.NewBotAgent(engine.BotConfig{BaseAccuracy: 0.7}, newSeededRand(42))
	env.battles = NewBattleService(env.questions, staticProfiles{}, env.creator, env.repo, rewards, bots, env.clock,
		BattleServiceConfig{Battle: cfg, BotRating: 1000, BotLevel: 1}, log, m)
	env.battles.SetBroadcaster(env.hub)
	return env
}

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"questduel/internal/engine"
	"questduel/internal/model"
	"questduel/internal/repository"
)

// BattleConfig tunes the round loop of one battle
type BattleConfig struct {
	QuestionsPerBattle int
	TimePerQuestion    time.Duration
	RevealDelay        time.Duration
	Round              engine.RoundRules
	Rewards            engine.RewardRules
}

// Participant is one side of a battle
type Participant struct {
	Profile model.PlayerProfile
	IsBot   bool
}

// QuestionSource supplies the questions for a battle
type QuestionSource interface {
	Sample(ctx context.Context, criteria repository.QuestionCriteria, n int) ([]model.BattleQuestion, error)
}

// BattleHooks are invoked after the battle lock is released, in event order
type BattleHooks struct {
	RoundStarted  func(BattleSnapshot)
	Revealed      func(BattleSnapshot)
	RoundResolved func(BattleSnapshot, model.RoundOutcome)
	Completed     func(BattleOutcome)
	Failed        func(BattleSnapshot, error)
}

// SideSnapshot is one participant's view at a point in time
type SideSnapshot struct {
	PlayerID       string
	IsBot          bool
	State          model.PlayerRoundState
	CorrectAnswers int
}

// BattleSnapshot is a copy of the battle state; it never aliases live state
type BattleSnapshot struct {
	MatchID     string
	Phase       model.BattlePhase
	Round       int
	TotalRounds int
	Question    model.BattleQuestion
	Deadline    time.Time
	Sides       [2]SideSnapshot
}

// SideOutcome is how the battle ended for one participant
type SideOutcome struct {
	PlayerID       string
	IsBot          bool
	Result         model.BattleResult
	CorrectAnswers int
	FinalHealth    int
	Rewards        model.BattleRewards
}

// BattleOutcome is produced exactly once, when the battle completes
type BattleOutcome struct {
	MatchID     string
	Reason      model.CompletionReason
	WinnerID    string
	Cause       error // why the forfeit happened, if known
	Sides       [2]SideOutcome
	CompletedAt time.Time
}

// Summary builds the report for side i
func (o BattleOutcome) Summary(i int) model.BattleSummary {
	me, opp := o.Sides[i], o.Sides[1-i]
	summary := model.BattleSummary{
		MatchID:         o.MatchID,
		Result:          me.Result,
		Reason:          o.Reason,
		WinnerID:        o.WinnerID,
		CorrectAnswers:  me.CorrectAnswers,
		OpponentCorrect: opp.CorrectAnswers,
		FinalHealth:     me.FinalHealth,
		OpponentHealth:  opp.FinalHealth,
		Rewards:         me.Rewards,
		IsBotOpponent:   opp.IsBot,
	}
	if o.Cause != nil && me.Result != model.ResultForfeit {
		summary.Message = o.Cause.Error()
	}
	return summary
}

type battleSide struct {
	participant Participant
	state       model.PlayerRoundState
	correct     int
	correctTime int
}

// Battle runs the round loop for one match. Round and reveal timers carry a
// token; a timer whose token is no longer current does nothing.
type Battle struct {
	match model.Match
	cfg   BattleConfig
	clock clockwork.Clock
	hooks BattleHooks

	mu          sync.Mutex
	phase       model.BattlePhase
	questions   []model.BattleQuestion
	index       int
	sides       [2]*battleSide
	token       uint64
	deadline    time.Time
	roundTimer  clockwork.Timer
	revealTimer clockwork.Timer
	outcome     *BattleOutcome
	err         error
	pending     []func()
	flushing    bool
}

// NewBattle creates a battle in INITIALIZING; a plays as side A
func NewBattle(match model.Match, a, b Participant, cfg BattleConfig, clock clockwork.Clock, hooks BattleHooks) *Battle {
	newSide := func(p Participant) *battleSide {
		return &battleSide{
			participant: p,
			state:       model.PlayerRoundState{Health: cfg.Round.MaxHealth},
		}
	}
	return &Battle{
		match: match,
		cfg:   cfg,
		clock: clock,
		hooks: hooks,
		phase: model.PhaseInitializing,
		sides: [2]*battleSide{newSide(a), newSide(b)},
	}
}

// MatchID returns the id of the match this battle plays
func (b *Battle) MatchID() string {
	return b.match.ID
}

// Prepare loads questions and opens the first round. Malformed questions are
// dropped; if none remain the battle moves to ERROR.
func (b *Battle) Prepare(ctx context.Context, source QuestionSource, criteria repository.QuestionCriteria) error {
	b.mu.Lock()
	if b.phase != model.PhaseInitializing {
		b.mu.Unlock()
		return ErrInputClosed
	}
	b.phase = model.PhasePreparing
	b.mu.Unlock()

	questions, err := source.Sample(ctx, criteria, b.cfg.QuestionsPerBattle)

	var playable []model.BattleQuestion
	for _, q := range questions {
		if q.Valid() {
			playable = append(playable, q)
		}
	}
	if len(playable) > b.cfg.QuestionsPerBattle {
		playable = playable[:b.cfg.QuestionsPerBattle]
	}

	b.mu.Lock()
	if b.phase != model.PhasePreparing {
		// forfeited while loading
		b.unlockAndFlush()
		return ErrBattleCompleted
	}
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %w", ErrQuestionSourceEmpty, err)
		b.failLocked(err)
	case len(playable) == 0:
		err = ErrQuestionSourceEmpty
		b.failLocked(err)
	default:
		b.questions = playable
		b.startRoundLocked()
	}
	b.unlockAndFlush()
	return err
}

// SelectAction records a player's action for the current round. It may be
// changed until the player submits an answer.
func (b *Battle) SelectAction(playerID string, action model.Action) error {
	if !action.Valid() {
		return ErrInvalidAction
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	side, err := b.openSideLocked(playerID)
	if err != nil {
		return err
	}
	side.state.SelectedAction = action
	return nil
}

// SubmitAnswer locks in a player's answer and marks them ready
func (b *Battle) SubmitAnswer(playerID, answer string) error {
	b.mu.Lock()
	err := b.submitLocked(playerID, answer)
	b.unlockAndFlush()
	return err
}

// SubmitForRound sets action and answer together, only if round is still open
func (b *Battle) SubmitForRound(playerID string, round int, action model.Action, answer string) error {
	b.mu.Lock()
	if b.phase == model.PhaseReady && round != b.index+1 {
		b.mu.Unlock()
		return ErrInputClosed
	}
	side, err := b.openSideLocked(playerID)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if action.Valid() {
		side.state.SelectedAction = action
	}
	err = b.submitLocked(playerID, answer)
	b.unlockAndFlush()
	return err
}

// Forfeit ends the battle in favor of the other side
func (b *Battle) Forfeit(playerID string, cause error) error {
	b.mu.Lock()
	if b.terminalLocked() {
		b.mu.Unlock()
		return ErrBattleCompleted
	}
	if b.indexOfLocked(playerID) < 0 {
		b.mu.Unlock()
		return ErrNotInBattle
	}
	b.completeLocked(model.ReasonForfeit, playerID, cause)
	b.unlockAndFlush()
	return nil
}

// Abort moves a live battle to ERROR
func (b *Battle) Abort(err error) {
	b.mu.Lock()
	if b.terminalLocked() {
		b.mu.Unlock()
		return
	}
	b.failLocked(err)
	b.unlockAndFlush()
}

// Snapshot returns a copy of the current state
func (b *Battle) Snapshot() BattleSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Outcome returns the final outcome once the battle has completed
func (b *Battle) Outcome() (BattleOutcome, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outcome == nil {
		return BattleOutcome{}, false
	}
	return *b.outcome, true
}

// Err returns the error that moved the battle to ERROR
func (b *Battle) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Battle) openSideLocked(playerID string) (*battleSide, error) {
	if b.terminalLocked() {
		return nil, ErrBattleCompleted
	}
	idx := b.indexOfLocked(playerID)
	if idx < 0 {
		return nil, ErrNotInBattle
	}
	if b.phase != model.PhaseReady {
		return nil, ErrInputClosed
	}
	side := b.sides[idx]
	if side.state.IsReady {
		return nil, ErrInputClosed
	}
	return side, nil
}

func (b *Battle) submitLocked(playerID, answer string) error {
	side, err := b.openSideLocked(playerID)
	if err != nil {
		return err
	}
	side.state.SubmittedAnswer = answer
	side.state.IsReady = true
	side.state.TimeRemainingAtSubmission = b.remainingLocked()

	if b.sides[0].state.IsReady && b.sides[1].state.IsReady {
		b.collectLocked()
	}
	return nil
}

func (b *Battle) startRoundLocked() {
	b.phase = model.PhaseReady
	b.token++
	tok := b.token
	b.deadline = b.clock.Now().Add(b.cfg.TimePerQuestion)
	b.roundTimer = b.clock.AfterFunc(b.cfg.TimePerQuestion, func() { b.onRoundTimeout(tok) })

	snap := b.snapshotLocked()
	b.emit(func() {
		if b.hooks.RoundStarted != nil {
			b.hooks.RoundStarted(snap)
		}
	})
}

func (b *Battle) onRoundTimeout(tok uint64) {
	b.mu.Lock()
	if tok != b.token || b.phase != model.PhaseReady {
		b.mu.Unlock()
		return
	}
	for _, side := range b.sides {
		if !side.state.IsReady {
			side.state.SubmittedAnswer = ""
			side.state.IsReady = true
			side.state.TimeRemainingAtSubmission = 0
		}
	}
	b.collectLocked()
	b.unlockAndFlush()
}

func (b *Battle) collectLocked() {
	b.phase = model.PhaseAnswerCollection
	b.stopTimersLocked()

	q := b.questions[b.index]
	for _, side := range b.sides {
		side.state.IsAnswerCorrect = q.IsCorrect(side.state.SubmittedAnswer)
	}

	b.phase = model.PhaseReveal
	b.token++
	tok := b.token
	snap := b.snapshotLocked()
	b.emit(func() {
		if b.hooks.Revealed != nil {
			b.hooks.Revealed(snap)
		}
	})

	if b.cfg.RevealDelay <= 0 {
		b.resolveLocked()
		return
	}
	b.revealTimer = b.clock.AfterFunc(b.cfg.RevealDelay, func() { b.onRevealElapsed(tok) })
}

func (b *Battle) onRevealElapsed(tok uint64) {
	b.mu.Lock()
	if tok != b.token || b.phase != model.PhaseReveal {
		b.mu.Unlock()
		return
	}
	b.resolveLocked()
	b.unlockAndFlush()
}

func (b *Battle) resolveLocked() {
	b.phase = model.PhaseResolution

	a, c := b.sides[0], b.sides[1]
	out := engine.ResolveRound(a.state, c.state, b.cfg.Round)
	a.state.Health, a.state.Shield = out.HealthA, out.ShieldA
	c.state.Health, c.state.Shield = out.HealthB, out.ShieldB

	for _, side := range b.sides {
		if side.state.IsAnswerCorrect {
			side.correct++
			side.correctTime += side.state.TimeRemainingAtSubmission
		}
	}

	snap := b.snapshotLocked()
	b.emit(func() {
		if b.hooks.RoundResolved != nil {
			b.hooks.RoundResolved(snap, out)
		}
	})

	switch {
	case a.state.Health <= 0 || c.state.Health <= 0:
		b.completeLocked(model.ReasonKnockout, "", nil)
	case b.index+1 >= len(b.questions):
		b.completeLocked(model.ReasonQuestions, "", nil)
	default:
		// shield and health carry over
		for _, side := range b.sides {
			side.state.SelectedAction = model.ActionNone
			side.state.SubmittedAnswer = ""
			side.state.IsReady = false
			side.state.IsAnswerCorrect = false
			side.state.TimeRemainingAtSubmission = 0
		}
		b.index++
		b.startRoundLocked()
	}
}

func (b *Battle) completeLocked(reason model.CompletionReason, forfeiter string, cause error) {
	b.stopTimersLocked()
	b.token++
	b.phase = model.PhaseCompleted

	winner := -1
	if forfeiter != "" {
		winner = 1 - b.indexOfLocked(forfeiter)
	} else {
		a, c := b.sides[0], b.sides[1]
		switch {
		case a.state.Health != c.state.Health:
			if a.state.Health > c.state.Health {
				winner = 0
			} else {
				winner = 1
			}
		case a.correct != c.correct:
			if a.correct > c.correct {
				winner = 0
			} else {
				winner = 1
			}
		}
	}

	outcome := BattleOutcome{
		MatchID:     b.match.ID,
		Reason:      reason,
		Cause:       cause,
		CompletedAt: b.clock.Now(),
	}
	if winner >= 0 {
		outcome.WinnerID = b.sides[winner].participant.Profile.ID
	}

	for i, side := range b.sides {
		id := side.participant.Profile.ID
		var result model.BattleResult
		switch {
		case id == forfeiter:
			result = model.ResultForfeit
		case winner < 0:
			result = model.ResultDraw
		case winner == i:
			result = model.ResultWin
		default:
			result = model.ResultLoss
		}

		so := SideOutcome{
			PlayerID:       id,
			IsBot:          side.participant.IsBot,
			Result:         result,
			CorrectAnswers: side.correct,
			FinalHealth:    side.state.Health,
		}
		if !side.participant.IsBot {
			so.Rewards = engine.ComputeRewards(engine.Tally{
				Result:         result,
				CorrectAnswers: side.correct,
				CorrectTime:    side.correctTime,
				Streak:         side.participant.Profile.Streak,
				AgainstBot:     b.sides[1-i].participant.IsBot,
			}, b.cfg.Rewards)
		}
		outcome.Sides[i] = so
	}

	b.outcome = &outcome
	b.emit(func() {
		if b.hooks.Completed != nil {
			b.hooks.Completed(outcome)
		}
	})
}

func (b *Battle) failLocked(err error) {
	b.stopTimersLocked()
	b.token++
	b.phase = model.PhaseError
	b.err = err

	snap := b.snapshotLocked()
	b.emit(func() {
		if b.hooks.Failed != nil {
			b.hooks.Failed(snap, err)
		}
	})
}

func (b *Battle) stopTimersLocked() {
	if b.roundTimer != nil {
		b.roundTimer.Stop()
		b.roundTimer = nil
	}
	if b.revealTimer != nil {
		b.revealTimer.Stop()
		b.revealTimer = nil
	}
}

// remainingLocked is the whole seconds left on the round clock
func (b *Battle) remainingLocked() int {
	left := b.deadline.Sub(b.clock.Now())
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

func (b *Battle) terminalLocked() bool {
	return b.phase == model.PhaseCompleted || b.phase == model.PhaseError
}

func (b *Battle) indexOfLocked(playerID string) int {
	for i, side := range b.sides {
		if side.participant.Profile.ID == playerID {
			return i
		}
	}
	return -1
}

func (b *Battle) snapshotLocked() BattleSnapshot {
	snap := BattleSnapshot{
		MatchID:     b.match.ID,
		Phase:       b.phase,
		TotalRounds: len(b.questions),
		Deadline:    b.deadline,
	}
	if b.index < len(b.questions) {
		snap.Round = b.index + 1
		snap.Question = b.questions[b.index]
	}
	for i, side := range b.sides {
		snap.Sides[i] = SideSnapshot{
			PlayerID:       side.participant.Profile.ID,
			IsBot:          side.participant.IsBot,
			State:          side.state,
			CorrectAnswers: side.correct,
		}
	}
	return snap
}

func (b *Battle) emit(fn func()) {
	b.pending = append(b.pending, fn)
}

// unlockAndFlush releases the lock, then runs queued hooks. Only one caller
// drains at a time; hooks queued while another goroutine is draining are run
// by that goroutine after the ones before them.
func (b *Battle) unlockAndFlush() {
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	for len(b.pending) > 0 {
		pending := b.pending
		b.pending = nil
		b.mu.Unlock()
		for _, fn := range pending {
			fn()
		}
		b.mu.Lock()
	}
	b.flushing = false
	b.mu.Unlock()
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questduel/internal/engine"
	"questduel/internal/model"
	"questduel/internal/repository"
)

type hookLog struct {
	mu        sync.Mutex
	started   []BattleSnapshot
	revealed  []BattleSnapshot
	resolved  []model.RoundOutcome
	completed []BattleOutcome
	failed    []error
}

func (h *hookLog) hooks() BattleHooks {
	return BattleHooks{
		RoundStarted: func(s BattleSnapshot) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.started = append(h.started, s)
		},
		Revealed: func(s BattleSnapshot) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.revealed = append(h.revealed, s)
		},
		RoundResolved: func(_ BattleSnapshot, out model.RoundOutcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.resolved = append(h.resolved, out)
		},
		Completed: func(o BattleOutcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.completed = append(h.completed, o)
		},
		Failed: func(_ BattleSnapshot, err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.failed = append(h.failed, err)
		},
	}
}

func (h *hookLog) counts() (started, resolved, completed, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.started), len(h.resolved), len(h.completed), len(h.failed)
}

func newTestBattle(t *testing.T, cfg BattleConfig, source QuestionSource) (*Battle, *clockwork.FakeClock, *hookLog) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	log := &hookLog{}
	match := model.Match{ID: "m1", PlayerA: "alice", PlayerB: "bob", CreatedAt: t0}
	b := NewBattle(match,
		Participant{Profile: model.DefaultProfile("alice")},
		Participant{Profile: model.DefaultProfile("bob")},
		cfg, clock, log.hooks())
	if source != nil {
		require.NoError(t, b.Prepare(context.Background(), source, repository.QuestionCriteria{}))
	}
	return b, clock, log
}

func TestBattle_PrepareOpensFirstRound(t *testing.T) {
	b, _, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(5)})

	snap := b.Snapshot()
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.Equal(t, 1, snap.Round)
	assert.Equal(t, 3, snap.TotalRounds)
	assert.Equal(t, t0.Add(15*time.Second), snap.Deadline)
	assert.Equal(t, 100, snap.Sides[0].State.Health)
	assert.Equal(t, 100, snap.Sides[1].State.Health)

	started, _, _, _ := log.counts()
	assert.Equal(t, 1, started)
}

func TestBattle_AdvantagedCorrectAnswerStrikes(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	clock.Advance(3 * time.Second)
	require.NoError(t, b.SelectAction("alice", model.ActionAttack))
	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SelectAction("bob", model.ActionFocus))
	require.NoError(t, b.SubmitAnswer("bob", "C"))

	log.mu.Lock()
	require.Len(t, log.resolved, 1)
	out := log.resolved[0]
	require.Len(t, log.revealed, 1)
	reveal := log.revealed[0]
	log.mu.Unlock()

	assert.Equal(t, model.SideA, out.Attacker)
	assert.Equal(t, 12, out.RawDamage)
	assert.Equal(t, 88, out.HealthB)
	assert.True(t, reveal.Sides[0].State.IsAnswerCorrect)
	assert.False(t, reveal.Sides[1].State.IsAnswerCorrect)
	assert.Equal(t, 12, reveal.Sides[0].State.TimeRemainingAtSubmission)

	snap := b.Snapshot()
	assert.Equal(t, model.PhaseReady, snap.Phase)
	assert.Equal(t, 2, snap.Round)
	assert.Equal(t, 88, snap.Sides[1].State.Health)
	assert.Equal(t, model.ActionNone, snap.Sides[0].State.SelectedAction)
	assert.False(t, snap.Sides[0].State.IsReady)
	assert.Equal(t, 1, snap.Sides[0].CorrectAnswers)
}

func TestBattle_ShieldCarriesOverRounds(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SubmitAnswer("bob", "a"))

	snap := b.Snapshot()
	assert.Equal(t, 2, snap.Round)
	assert.Equal(t, 15, snap.Sides[0].State.Shield)
	assert.Equal(t, 15, snap.Sides[1].State.Shield)
	assert.Equal(t, 100, snap.Sides[0].State.Health)
}

func TestBattle_RoundTimeoutSynthesizesEmptyAnswers(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SelectAction("alice", model.ActionAttack))
	clock.Advance(15 * time.Second)

	require.Eventually(t, func() bool {
		_, resolved, _, _ := log.counts()
		return resolved == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, b.Snapshot().Round)

	log.mu.Lock()
	out := log.resolved[0]
	log.mu.Unlock()
	assert.Equal(t, 5, out.MutualPenalty)
	assert.Equal(t, 95, out.HealthA)
	assert.Equal(t, 95, out.HealthB)
}

func TestBattle_PartialSubmissionTimesOut(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SelectAction("alice", model.ActionAttack))
	require.NoError(t, b.SelectAction("bob", model.ActionFocus))
	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.ErrorIs(t, b.SubmitAnswer("alice", "B"), ErrInputClosed)
	require.ErrorIs(t, b.SelectAction("alice", model.ActionDefend), ErrInputClosed)

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool {
		_, resolved, _, _ := log.counts()
		return resolved == 1
	}, time.Second, 5*time.Millisecond)

	log.mu.Lock()
	out := log.resolved[0]
	log.mu.Unlock()
	// bob never answered but bob's focus still loses to attack
	assert.Equal(t, model.SideA, out.Attacker)
	assert.Equal(t, 15, out.RawDamage)
	assert.Equal(t, 85, out.HealthB)
}

func TestBattle_StaleTimerIsIgnored(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	clock.Advance(10 * time.Second)
	require.NoError(t, b.SubmitAnswer("alice", "B"))
	require.NoError(t, b.SubmitAnswer("bob", "B"))
	require.Equal(t, 2, b.Snapshot().Round)

	// round one's deadline passes while round two is open
	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool {
		_, resolved, _, _ := log.counts()
		return resolved != 1
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, model.PhaseReady, b.Snapshot().Phase)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return b.Snapshot().Round == 3 }, time.Second, 5*time.Millisecond)
}

func TestBattle_RevealDelay(t *testing.T) {
	cfg := testBattleConfig
	cfg.RevealDelay = 2 * time.Second
	b, clock, log := newTestBattle(t, cfg, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SubmitAnswer("bob", "B"))
	assert.Equal(t, model.PhaseReveal, b.Snapshot().Phase)
	_, resolved, _, _ := log.counts()
	assert.Equal(t, 0, resolved)

	require.ErrorIs(t, b.SubmitAnswer("bob", "A"), ErrInputClosed)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return b.Snapshot().Round == 2 }, time.Second, 5*time.Millisecond)
}

func TestBattle_KnockoutCompletesOnce(t *testing.T) {
	cfg := testBattleConfig
	cfg.Round.MaxHealth = 10
	b, _, log := newTestBattle(t, cfg, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SelectAction("alice", model.ActionDefend))
	require.NoError(t, b.SelectAction("bob", model.ActionAttack))
	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SubmitAnswer("bob", "A"))

	snap := b.Snapshot()
	assert.Equal(t, model.PhaseCompleted, snap.Phase)
	assert.Equal(t, 0, snap.Sides[1].State.Health)

	outcome, ok := b.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.ReasonKnockout, outcome.Reason)
	assert.Equal(t, "alice", outcome.WinnerID)
	assert.Equal(t, model.ResultWin, outcome.Sides[0].Result)
	assert.Equal(t, model.ResultLoss, outcome.Sides[1].Result)

	expected := engine.ComputeRewards(engine.Tally{
		Result:         model.ResultWin,
		CorrectAnswers: 1,
		CorrectTime:    15,
	}, cfg.Rewards)
	assert.Equal(t, expected, outcome.Sides[0].Rewards)

	require.ErrorIs(t, b.Forfeit("bob", nil), ErrBattleCompleted)
	require.ErrorIs(t, b.SubmitAnswer("alice", "A"), ErrBattleCompleted)
	_, _, completed, _ := log.counts()
	assert.Equal(t, 1, completed)
}

func TestBattle_QuestionsExhaustedDraw(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(1)})

	require.NoError(t, b.SelectAction("alice", model.ActionAttack))
	require.NoError(t, b.SelectAction("bob", model.ActionAttack))
	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SubmitAnswer("bob", "A"))

	outcome, ok := b.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.ReasonQuestions, outcome.Reason)
	assert.Empty(t, outcome.WinnerID)
	assert.Equal(t, model.ResultDraw, outcome.Sides[0].Result)
	assert.Equal(t, model.ResultDraw, outcome.Sides[1].Result)
}

func TestBattle_CorrectAnswersBreakHealthTie(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(1)})

	// both attack: no advantage, one right one wrong leaves health equal
	require.NoError(t, b.SelectAction("alice", model.ActionAttack))
	require.NoError(t, b.SelectAction("bob", model.ActionAttack))
	require.NoError(t, b.SubmitAnswer("alice", "D"))
	require.NoError(t, b.SubmitAnswer("bob", "A"))

	outcome, ok := b.Outcome()
	require.True(t, ok)
	assert.Equal(t, outcome.Sides[0].FinalHealth, outcome.Sides[1].FinalHealth)
	assert.Equal(t, "bob", outcome.WinnerID)
}

func TestBattle_DisconnectForfeits(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.Forfeit("bob", ErrOpponentDisconnected))

	outcome, ok := b.Outcome()
	require.True(t, ok)
	assert.Equal(t, model.PhaseCompleted, b.Snapshot().Phase)
	assert.Equal(t, model.ReasonForfeit, outcome.Reason)
	assert.Equal(t, "alice", outcome.WinnerID)
	assert.Equal(t, model.ResultWin, outcome.Sides[0].Result)
	assert.Equal(t, model.ResultForfeit, outcome.Sides[1].Result)
	assert.Equal(t, model.BattleRewards{}, outcome.Sides[1].Rewards)

	summary := outcome.Summary(0)
	assert.Equal(t, ErrOpponentDisconnected.Error(), summary.Message)
	assert.Empty(t, outcome.Summary(1).Message)

	clock.Advance(time.Minute)
	assert.Never(t, func() bool {
		_, resolved, _, _ := log.counts()
		return resolved > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBattle_InputValidation(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	assert.ErrorIs(t, b.SelectAction("alice", model.Action("dance")), ErrInvalidAction)
	assert.ErrorIs(t, b.SelectAction("carol", model.ActionAttack), ErrNotInBattle)
	assert.ErrorIs(t, b.SubmitAnswer("carol", "A"), ErrNotInBattle)
	assert.ErrorIs(t, b.Forfeit("carol", nil), ErrNotInBattle)
	assert.ErrorIs(t, b.SubmitForRound("alice", 2, model.ActionAttack, "A"), ErrInputClosed)
}

func TestBattle_InputBeforePrepareIsClosed(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, nil)

	assert.Equal(t, model.PhaseInitializing, b.Snapshot().Phase)
	assert.ErrorIs(t, b.SubmitAnswer("alice", "A"), ErrInputClosed)
}

func TestBattle_EmptyQuestionSourceFails(t *testing.T) {
	b, _, log := newTestBattle(t, testBattleConfig, nil)

	err := b.Prepare(context.Background(), &staticQuestions{}, repository.QuestionCriteria{})
	require.ErrorIs(t, err, ErrQuestionSourceEmpty)
	assert.Equal(t, model.PhaseError, b.Snapshot().Phase)
	assert.ErrorIs(t, b.Err(), ErrQuestionSourceEmpty)

	_, _, completed, failed := log.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

func TestBattle_SourceErrorFails(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, nil)

	err := b.Prepare(context.Background(), &staticQuestions{err: errStoreDown}, repository.QuestionCriteria{})
	require.ErrorIs(t, err, ErrQuestionSourceEmpty)
	require.True(t, errors.Is(err, errStoreDown))
	assert.Equal(t, model.PhaseError, b.Snapshot().Phase)
}

func TestBattle_MalformedQuestionsSkipped(t *testing.T) {
	questions := makeQuestions(2)
	questions[0].Alternatives = questions[0].Alternatives[:2]
	questions[1].ID = "ok"

	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: questions})

	snap := b.Snapshot()
	assert.Equal(t, 1, snap.TotalRounds)
	assert.Equal(t, "ok", snap.Question.ID)
}

func TestBattle_AbortMovesToError(t *testing.T) {
	b, clock, log := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	b.Abort(errors.New("shutting down"))
	assert.Equal(t, model.PhaseError, b.Snapshot().Phase)
	b.Abort(errors.New("again"))

	clock.Advance(time.Minute)
	_, resolved, completed, failed := log.counts()
	assert.Equal(t, 0, resolved)
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failed)
}

func TestBattle_SubmitForRound(t *testing.T) {
	b, _, _ := newTestBattle(t, testBattleConfig, &staticQuestions{questions: makeQuestions(3)})

	require.NoError(t, b.SubmitForRound("bob", 1, model.ActionDefend, "A"))
	snap := b.Snapshot()
	assert.Equal(t, model.ActionDefend, snap.Sides[1].State.SelectedAction)
	assert.True(t, snap.Sides[1].State.IsReady)
}

func TestBattle_HooksRunInEventOrder(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		b      *Battle
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, name)
	}
	hooks := BattleHooks{
		RoundStarted: func(BattleSnapshot) { record("started") },
		Revealed: func(BattleSnapshot) {
			record("revealed")
			// a hook that feeds back into the battle
			require.NoError(t, b.Forfeit("bob", nil))
		},
		RoundResolved: func(BattleSnapshot, model.RoundOutcome) { record("resolved") },
		Completed:     func(BattleOutcome) { record("completed") },
	}
	clock := clockwork.NewFakeClockAt(t0)
	match := model.Match{ID: "m1", PlayerA: "alice", PlayerB: "bob", CreatedAt: t0}
	b = NewBattle(match,
		Participant{Profile: model.DefaultProfile("alice")},
		Participant{Profile: model.DefaultProfile("bob")},
		testBattleConfig, clock, hooks)
	require.NoError(t, b.Prepare(context.Background(), &staticQuestions{questions: makeQuestions(3)}, repository.QuestionCriteria{}))

	require.NoError(t, b.SubmitAnswer("alice", "A"))
	require.NoError(t, b.SubmitAnswer("bob", "B"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "revealed", "resolved", "started", "completed"}, events)
}

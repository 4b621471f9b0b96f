package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questduel/internal/cache"
	"questduel/internal/engine"
	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/presence"
)

var testMatchRules = engine.MatchRules{
	BaseTolerance:           200,
	ToleranceGrowthInterval: 10 * time.Second,
	ToleranceGrowthStep:     50,
}

type queueRecorder struct {
	mu      sync.Mutex
	events  map[string][]QueueEvent
	matches []model.Match
	prefs   []model.Preferences
}

func newQueueRecorder() *queueRecorder {
	return &queueRecorder{events: make(map[string][]QueueEvent)}
}

func (r *queueRecorder) listener(playerID string) QueueListener {
	return func(ev QueueEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events[playerID] = append(r.events[playerID], ev)
	}
}

func (r *queueRecorder) onMatch(_ context.Context, match model.Match, prefs model.Preferences) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, match)
	r.prefs = append(r.prefs, prefs)
}

func (r *queueRecorder) statuses(playerID string) []model.QueueStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.QueueStatus
	for _, ev := range r.events[playerID] {
		out = append(out, ev.Status)
	}
	return out
}

func (r *queueRecorder) last(playerID string) QueueEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	evs := r.events[playerID]
	if len(evs) == 0 {
		return QueueEvent{}
	}
	return evs[len(evs)-1]
}

func (r *queueRecorder) hosted() []model.Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Match(nil), r.matches...)
}

type queueEnv struct {
	clock   *clockwork.FakeClock
	channel *presence.LocalChannel
	locks   cache.MatchLockCache
	repo    *memoryMatchRepo
	rec     *queueRecorder
	queue   *QueueService
}

func newQueueEnv(t *testing.T) *queueEnv {
	t.Helper()
	env := &queueEnv{
		clock:   clockwork.NewFakeClockAt(t0),
		channel: presence.NewLocalChannel(),
		locks:   cache.NewMemoryMatchLockCache(),
		repo:    newMemoryMatchRepo(),
		rec:     newQueueRecorder(),
	}
	env.queue = env.newInstance(t, "node-1", env.rec)
	return env
}

func (env *queueEnv) newInstance(t *testing.T, id string, rec *queueRecorder) *QueueService {
	t.Helper()
	return env.newInstanceOn(t, env.channel, env.locks, id, rec)
}

func (env *queueEnv) newInstanceOn(t *testing.T, ch presence.Channel, locks cache.MatchLockCache, id string, rec *queueRecorder) *QueueService {
	t.Helper()
	log := logger.NewNop()
	m := newTestMetrics()
	creator := NewMatchCreator(locks, env.repo, env.clock, log, m)
	q := NewQueueService(ch, creator, staticProfiles{}, env.clock, QueueConfig{
		Rules:         testMatchRules,
		SearchTimeout: 60 * time.Second,
		InstanceID:    id,
	}, log, m)
	q.SetMatchHandler(rec.onMatch)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { q.Stop(context.Background()) })
	return q
}

func (env *queueEnv) join(t *testing.T, q *QueueService, id string, rating int, prefs model.Preferences) {
	t.Helper()
	err := q.Join(context.Background(), model.QueueEntry{PlayerID: id, Rating: rating, Preferences: prefs}, env.rec.listener(id))
	require.NoError(t, err)
}

func TestQueueService_CompatiblePlayersMatch(t *testing.T) {
	env := newQueueEnv(t)

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	assert.Equal(t, []model.QueueStatus{model.QueueSearching}, env.rec.statuses("alice"))

	env.clock.Advance(time.Second)
	env.join(t, env.queue, "bob", 1150, model.Preferences{Category: "science"})

	assert.Equal(t, []model.QueueStatus{model.QueueSearching, model.QueueMatched}, env.rec.statuses("alice"))
	assert.Equal(t, []model.QueueStatus{model.QueueSearching, model.QueueMatched}, env.rec.statuses("bob"))

	a, b := env.rec.last("alice"), env.rec.last("bob")
	require.NotNil(t, a.Match)
	require.NotNil(t, b.Match)
	assert.Equal(t, a.Match.ID, b.Match.ID)
	assert.Equal(t, "bob", a.Opponent.ID)
	assert.Equal(t, "alice", b.Opponent.ID)
	assert.Equal(t, "node-1", a.Host)

	hosted := env.rec.hosted()
	require.Len(t, hosted, 1)
	assert.Equal(t, a.Match.ID, hosted[0].ID)
	assert.Equal(t, "science", env.rec.prefs[0].Category)
	assert.Equal(t, 2, env.repo.recordCount())

	assert.False(t, env.queue.IsQueued("alice"))
	members, err := env.channel.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)

	// the pending search timeout is cancelled by the match
	env.clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool {
		return env.rec.last("alice").Status == model.QueueTimeout
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestQueueService_PreferenceMismatchNeverMatches(t *testing.T) {
	env := newQueueEnv(t)

	env.join(t, env.queue, "alice", 1000, model.Preferences{Mode: "ranked"})
	env.join(t, env.queue, "carol", 1010, model.Preferences{Mode: "casual"})

	env.clock.Advance(59 * time.Second)
	env.queue.Resync(context.Background())
	assert.Empty(t, env.rec.hosted())

	env.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return env.rec.last("alice").Status == model.QueueTimeout &&
			env.rec.last("carol").Status == model.QueueTimeout
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, env.rec.last("alice").Err, ErrMatchmakingTimeout)
	assert.Empty(t, env.rec.hosted())
}

func TestQueueService_TimeoutRemovesAndRejoinResets(t *testing.T) {
	env := newQueueEnv(t)

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	env.clock.Advance(40 * time.Second)
	env.join(t, env.queue, "alice", 1000, model.Preferences{})

	// the first search would have expired here
	env.clock.Advance(30 * time.Second)
	assert.Never(t, func() bool {
		return env.rec.last("alice").Status == model.QueueTimeout
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.True(t, env.queue.IsQueued("alice"))

	env.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return env.rec.last("alice").Status == model.QueueTimeout
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []model.QueueStatus{model.QueueSearching, model.QueueSearching, model.QueueTimeout}, env.rec.statuses("alice"))
	assert.False(t, env.queue.IsQueued("alice"))
	members, err := env.channel.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestQueueService_WindowWidensWhileWaiting(t *testing.T) {
	env := newQueueEnv(t)

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	env.clock.Advance(20 * time.Second)
	env.join(t, env.queue, "bob", 1450, model.Preferences{})
	assert.Empty(t, env.rec.hosted())

	env.clock.Advance(30 * time.Second)
	env.queue.Resync(context.Background())

	require.Len(t, env.rec.hosted(), 1)
	assert.Equal(t, model.QueueMatched, env.rec.last("bob").Status)
}

func TestQueueService_LeaveIsIdempotent(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	require.NoError(t, env.queue.Leave(ctx, "alice"))
	require.NoError(t, env.queue.Leave(ctx, "alice"))
	assert.False(t, env.queue.IsQueued("alice"))

	env.join(t, env.queue, "bob", 1000, model.Preferences{})
	assert.Empty(t, env.rec.hosted())

	env.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return env.rec.last("bob").Status == model.QueueTimeout
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.QueueStatus{model.QueueSearching}, env.rec.statuses("alice"))
}

func TestQueueService_JoinRejections(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	err := env.queue.Join(ctx, model.QueueEntry{PlayerID: ""}, env.rec.listener(""))
	assert.ErrorIs(t, err, ErrQueueJoinFailure)

	err = env.queue.Join(ctx, model.QueueEntry{PlayerID: "alice", Rating: -5}, env.rec.listener("alice"))
	assert.ErrorIs(t, err, ErrQueueJoinFailure)

	ok, err := env.locks.Mark(ctx, "earlier-match", "dave")
	require.NoError(t, err)
	require.True(t, ok)
	err = env.queue.Join(ctx, model.QueueEntry{PlayerID: "dave", Rating: 1000}, env.rec.listener("dave"))
	assert.ErrorIs(t, err, ErrAlreadyInMatch)
	assert.False(t, env.queue.IsQueued("dave"))
}

func TestQueueService_ActivePlayerSkippedByPass(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	// erin is in the shared presence set but already battling elsewhere
	require.NoError(t, env.channel.Track(ctx, model.QueueEntry{PlayerID: "erin", Rating: 1000, JoinedAt: t0}))
	ok, err := env.locks.Mark(ctx, "elsewhere", "erin")
	require.NoError(t, err)
	require.True(t, ok)

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	assert.Empty(t, env.rec.hosted())
	assert.True(t, env.queue.IsQueued("alice"))
}

func TestQueueService_TimeoutWaitsForInFlightMatch(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	ok, err := env.locks.Mark(ctx, "elsewhere", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	env.clock.Advance(60 * time.Second)
	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, env.clock.BlockUntilContext(wctx, 1))
	assert.Equal(t, []model.QueueStatus{model.QueueSearching}, env.rec.statuses("alice"))
	assert.True(t, env.queue.IsQueued("alice"))

	// the other match never reaches this instance and its mark is released
	require.NoError(t, env.locks.Release(ctx, "elsewhere", "alice"))
	env.clock.Advance(timeoutRecheckDelay)
	require.Eventually(t, func() bool {
		return env.rec.last("alice").Status == model.QueueTimeout
	}, time.Second, 5*time.Millisecond)
	assert.False(t, env.queue.IsQueued("alice"))
}

func TestQueueService_PersistenceFailureKeepsPlayersQueued(t *testing.T) {
	env := newQueueEnv(t)
	env.repo.failCreate = 1

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	env.join(t, env.queue, "bob", 1000, model.Preferences{})

	assert.Empty(t, env.rec.hosted())
	assert.True(t, env.queue.IsQueued("alice"))
	assert.True(t, env.queue.IsQueued("bob"))
	assert.Equal(t, 0, env.repo.recordCount())

	active, err := env.locks.Active(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.False(t, active["alice"])
	assert.False(t, active["bob"])

	env.queue.Resync(context.Background())
	require.Len(t, env.rec.hosted(), 1)
	assert.Equal(t, model.QueueMatched, env.rec.last("alice").Status)
}

func TestQueueService_SharedChannelCreatesOneMatch(t *testing.T) {
	env := newQueueEnv(t)
	other := newQueueRecorder()
	second := env.newInstance(t, "node-2", other)

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	env.join(t, second, "bob", 1010, model.Preferences{})

	first, hostedElsewhere := env.rec.hosted(), other.hosted()
	assert.Equal(t, 1, len(first)+len(hostedElsewhere))
	assert.Equal(t, 2, env.repo.recordCount())

	a, b := env.rec.last("alice"), env.rec.last("bob")
	require.Equal(t, model.QueueMatched, a.Status)
	require.Equal(t, model.QueueMatched, b.Status)
	assert.Equal(t, a.Match.ID, b.Match.ID)
	assert.Equal(t, a.Host, b.Host)
}

func TestQueueService_StopUntracksLocalPlayers(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	env.join(t, env.queue, "alice", 1000, model.Preferences{})
	env.queue.Stop(ctx)

	members, err := env.channel.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.False(t, env.queue.IsQueued("alice"))
}

func TestQueueService_ResyncPrunesAbandonedMembers(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()

	require.NoError(t, env.channel.Track(ctx, model.QueueEntry{PlayerID: "ghost", Rating: 5000, JoinedAt: t0}))
	env.clock.Advance(3 * time.Minute)
	env.queue.Resync(ctx)

	members, err := env.channel.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
}

// laggingChannel serves snapshots that still list players who already left
type laggingChannel struct {
	*presence.LocalChannel
	mu      sync.Mutex
	lagging []model.QueueEntry
}

func (c *laggingChannel) lag(entry model.QueueEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lagging = append(c.lagging, entry)
}

func (c *laggingChannel) Snapshot(ctx context.Context) ([]model.QueueEntry, error) {
	members, err := c.LocalChannel.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(members, c.lagging...), nil
}

func TestQueueService_StaleSnapshotDoesNotPairDepartedPlayer(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()
	ch := &laggingChannel{LocalChannel: presence.NewLocalChannel()}
	rec := newQueueRecorder()
	env.rec = rec
	q := env.newInstanceOn(t, ch, env.locks, "node-1", rec)

	env.join(t, q, "ghost", 1000, model.Preferences{})
	require.NoError(t, q.Leave(ctx, "ghost"))
	ch.lag(model.QueueEntry{PlayerID: "ghost", Rating: 1000, JoinedAt: t0})

	env.join(t, q, "bob", 1000, model.Preferences{})

	assert.Empty(t, rec.hosted())
	assert.Equal(t, []model.QueueStatus{model.QueueSearching}, rec.statuses("bob"))
	assert.True(t, q.IsQueued("bob"))
	assert.Equal(t, 0, env.repo.recordCount())

	active, err := env.locks.Active(ctx, "bob", "ghost")
	require.NoError(t, err)
	assert.False(t, active["bob"])
	assert.False(t, active["ghost"])
}

// leavingLocks runs onMark right before the marks are taken
type leavingLocks struct {
	cache.MatchLockCache
	onMark func()
}

func (l *leavingLocks) Mark(ctx context.Context, matchID string, playerIDs ...string) (bool, error) {
	if l.onMark != nil {
		l.onMark()
		l.onMark = nil
	}
	return l.MatchLockCache.Mark(ctx, matchID, playerIDs...)
}

func TestQueueService_LeaveDuringCreationCancelsMatch(t *testing.T) {
	env := newQueueEnv(t)
	ctx := context.Background()
	locks := &leavingLocks{MatchLockCache: env.locks}
	ch := presence.NewLocalChannel()
	q := env.newInstanceOn(t, ch, locks, "node-1", env.rec)

	env.join(t, q, "alice", 1000, model.Preferences{})
	locks.onMark = func() { require.NoError(t, q.Leave(ctx, "bob")) }
	env.join(t, q, "bob", 1000, model.Preferences{})

	assert.Empty(t, env.rec.hosted())
	assert.Equal(t, []model.QueueStatus{model.QueueSearching}, env.rec.statuses("alice"))
	assert.True(t, q.IsQueued("alice"))
	assert.Equal(t, 0, env.repo.recordCount())
	assert.Len(t, env.repo.deleted, 1)

	active, err := env.locks.Active(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, active["alice"])
	assert.False(t, active["bob"])
}

func TestMergePreferences(t *testing.T) {
	got := mergePreferences(model.Preferences{Mode: "ranked"}, model.Preferences{Mode: "casual", Category: "math"})
	assert.Equal(t, model.Preferences{Mode: "ranked", Category: "math"}, got)
}

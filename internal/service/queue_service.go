package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"questduel/internal/engine"
	"questduel/internal/logger"
	"questduel/internal/metrics"
	"questduel/internal/model"
	"questduel/internal/presence"
)

const (
	eventMatchFound = "match_found"

	timeoutRecheckDelay = 5 * time.Second
)

// QueueEvent is delivered to the listener registered at join time
type QueueEvent struct {
	Status   model.QueueStatus
	Match    *model.Match
	Opponent *model.PlayerProfile
	Host     string
	Err      error
}

// QueueListener receives a player's search updates
type QueueListener func(QueueEvent)

// MatchHandler starts the battle for a match this instance created
type MatchHandler func(ctx context.Context, match model.Match, prefs model.Preferences)

// QueueConfig tunes the presence queue
type QueueConfig struct {
	Rules          engine.MatchRules
	SearchTimeout  time.Duration
	ResyncInterval time.Duration
	InstanceID     string
}

type queueListener struct {
	fn    QueueListener
	gen   uint64
	timer clockwork.Timer
}

type pendingMatch struct {
	match model.Match
	prefs model.Preferences
}

// QueueService pairs players waiting on a shared presence channel. Every
// membership change triggers a pass over the whole current snapshot, so a
// waiting player whose window has widened can pair with an earlier arrival.
type QueueService struct {
	channel  presence.Channel
	creator  *MatchCreator
	profiles ProfileLookup
	clock    clockwork.Clock
	cfg      QueueConfig
	validate *validator.Validate
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	listeners   map[string]*queueListener
	pending     map[string]pendingMatch
	gen         uint64
	onMatch     MatchHandler
	unsubscribe func()
	scheduler   gocron.Scheduler
	passRunning bool
	passQueued  bool
}

// NewQueueService creates a queue bound to channel
func NewQueueService(
	channel presence.Channel,
	creator *MatchCreator,
	profiles ProfileLookup,
	clock clockwork.Clock,
	cfg QueueConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *QueueService {
	return &QueueService{
		channel:   channel,
		creator:   creator,
		profiles:  profiles,
		clock:     clock,
		cfg:       cfg,
		validate:  validator.New(),
		log:       log,
		metrics:   m,
		listeners: make(map[string]*queueListener),
		pending:   make(map[string]pendingMatch),
	}
}

// SetMatchHandler sets the callback that hosts battles for matches created here
func (s *QueueService) SetMatchHandler(h MatchHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMatch = h
}

// Start subscribes to the channel and starts the periodic resync pass
func (s *QueueService) Start(ctx context.Context) error {
	unsubscribe, err := s.channel.Subscribe(ctx, s.handleEvent)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueJoinFailure, err)
	}

	var scheduler gocron.Scheduler
	if s.cfg.ResyncInterval > 0 {
		scheduler, err = gocron.NewScheduler(gocron.WithClock(s.clock))
		if err != nil {
			unsubscribe()
			return fmt.Errorf("failed to create resync scheduler: %w", err)
		}
		_, err = scheduler.NewJob(
			gocron.DurationJob(s.cfg.ResyncInterval),
			gocron.NewTask(func() { s.Resync(context.Background()) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			unsubscribe()
			return fmt.Errorf("failed to schedule resync: %w", err)
		}
		scheduler.Start()
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.scheduler = scheduler
	s.mu.Unlock()

	s.log.WithField("instance", s.cfg.InstanceID).Info("Matchmaking queue started")
	return nil
}

// Stop cancels timers, the resync job and the subscription. Local players are untracked.
func (s *QueueService) Stop(ctx context.Context) {
	s.mu.Lock()
	unsubscribe, scheduler := s.unsubscribe, s.scheduler
	s.unsubscribe, s.scheduler = nil, nil
	var ids []string
	for id, l := range s.listeners {
		l.timer.Stop()
		ids = append(ids, id)
	}
	s.listeners = make(map[string]*queueListener)
	s.mu.Unlock()

	if scheduler != nil {
		if err := scheduler.Shutdown(); err != nil {
			s.log.WithError(err).Warn("Resync scheduler shutdown failed")
		}
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	for _, id := range ids {
		if err := s.channel.Untrack(ctx, id); err != nil {
			s.log.WithPlayer(id).WithError(err).Warn("Failed to untrack on shutdown")
		}
	}
}

// Join puts a player in the queue. Rejoining replaces the listener and
// metadata and restarts the search timeout.
func (s *QueueService) Join(ctx context.Context, entry model.QueueEntry, listener QueueListener) error {
	if err := s.validate.Struct(entry); err != nil {
		return fmt.Errorf("%w: %w", ErrQueueJoinFailure, err)
	}

	active, err := s.creator.IsActive(ctx, entry.PlayerID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueJoinFailure, err)
	}
	if active {
		return ErrAlreadyInMatch
	}

	entry.JoinedAt = s.clock.Now()
	playerID := entry.PlayerID

	s.mu.Lock()
	if old, ok := s.listeners[playerID]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.listeners[playerID] = &queueListener{
		fn:    listener,
		gen:   gen,
		timer: s.clock.AfterFunc(s.cfg.SearchTimeout, func() { s.onTimeout(playerID, gen) }),
	}
	s.mu.Unlock()

	s.metrics.QueueJoins.Inc()
	listener(QueueEvent{Status: model.QueueSearching})

	if err := s.channel.Track(ctx, entry); err != nil {
		s.dropListener(playerID, gen)
		err = fmt.Errorf("%w: %w", ErrQueueJoinFailure, err)
		listener(QueueEvent{Status: model.QueueError, Err: err})
		return err
	}

	s.log.WithPlayer(playerID).WithField("rating", entry.Rating).Debug("Player queued")
	return nil
}

// Leave removes a player from the queue. Leaving when not queued is a no-op.
func (s *QueueService) Leave(ctx context.Context, playerID string) error {
	s.mu.Lock()
	if l, ok := s.listeners[playerID]; ok {
		l.timer.Stop()
		delete(s.listeners, playerID)
	}
	s.mu.Unlock()

	return s.channel.Untrack(ctx, playerID)
}

// IsQueued reports whether playerID is searching from this instance
func (s *QueueService) IsQueued(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[playerID]
	return ok
}

// Resync prunes members abandoned by dead instances and runs a pass
func (s *QueueService) Resync(ctx context.Context) {
	members, err := s.channel.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Resync snapshot failed")
		return
	}

	staleBefore := s.clock.Now().Add(-2 * s.cfg.SearchTimeout)
	for _, m := range members {
		if m.JoinedAt.Before(staleBefore) && !s.IsQueued(m.PlayerID) {
			if err := s.channel.Untrack(ctx, m.PlayerID); err != nil {
				s.log.WithPlayer(m.PlayerID).WithError(err).Warn("Failed to prune stale queue member")
			}
		}
	}

	s.requestPass(ctx)
}

func (s *QueueService) handleEvent(ev presence.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Presence event handler panicked")
		}
	}()

	ctx := context.Background()
	switch ev.Kind {
	case presence.EventSync, presence.EventJoin, presence.EventLeave:
		s.requestPass(ctx)
	case presence.EventBroadcast:
		if ev.Name != eventMatchFound {
			return
		}
		var found model.MatchFound
		if err := json.Unmarshal(ev.Payload, &found); err != nil {
			s.log.WithError(err).Warn("Malformed match_found broadcast")
			return
		}
		s.handleMatchFound(ctx, found)
	}
}

// requestPass runs a pass now, or marks one to run after the pass in progress
func (s *QueueService) requestPass(ctx context.Context) {
	s.mu.Lock()
	if s.passRunning {
		s.passQueued = true
		s.mu.Unlock()
		return
	}
	s.passRunning = true
	s.mu.Unlock()

	for {
		s.safePass(ctx)

		s.mu.Lock()
		if !s.passQueued {
			s.passRunning = false
			s.mu.Unlock()
			return
		}
		s.passQueued = false
		s.mu.Unlock()
	}
}

func (s *QueueService) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Matching pass panicked")
		}
	}()
	s.runPass(ctx)
}

func (s *QueueService) runPass(ctx context.Context) {
	snapshot, err := s.channel.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Queue snapshot failed")
		return
	}
	s.metrics.QueueSize.Set(float64(len(snapshot)))

	local := make(map[string]bool)
	s.mu.Lock()
	for _, e := range snapshot {
		if _, ok := s.listeners[e.PlayerID]; ok {
			local[e.PlayerID] = true
		}
	}
	s.mu.Unlock()
	if len(local) == 0 || len(snapshot) < 2 {
		return
	}

	ids := make([]string, len(snapshot))
	for i, e := range snapshot {
		ids[i] = e.PlayerID
	}
	active, err := s.creator.ActiveSet(ctx, ids...)
	if err != nil {
		s.log.WithError(err).Warn("Active match lookup failed, skipping pass")
		return
	}

	pass := engine.Pass{
		Rules:   s.cfg.Rules,
		InMatch: func(id string) bool { return active[id] },
		Owned:   func(id string) bool { return local[id] },
	}
	for _, pair := range pass.Run(snapshot, s.clock.Now()) {
		s.createMatch(ctx, pair, local)
	}
}

// stillQueued re-checks a pair taken from a possibly stale snapshot. Local
// players must also still have a listener.
func (s *QueueService) stillQueued(ctx context.Context, pair engine.Pair, local map[string]bool) bool {
	ids := []string{pair.A.PlayerID, pair.B.PlayerID}
	present, err := s.channel.Members(ctx, ids...)
	if err != nil {
		s.log.WithError(err).Warn("Queue membership check failed")
		return false
	}
	for _, id := range ids {
		if !present[id] || (local[id] && !s.IsQueued(id)) {
			return false
		}
	}
	return true
}

func (s *QueueService) createMatch(ctx context.Context, pair engine.Pair, local map[string]bool) {
	fields := logrus.Fields{
		"player_a": pair.A.PlayerID,
		"player_b": pair.B.PlayerID,
	}
	if !s.stillQueued(ctx, pair, local) {
		s.log.WithFields(fields).Debug("Pair left the queue before match creation")
		return
	}

	match, err := s.creator.CreateMatch(ctx, pair.A, pair.B)
	if err != nil {
		// pair stays queued; the next pass retries
		s.log.WithFields(fields).WithError(err).Warn("Match creation failed")
		return
	}

	// a leave can land between the check and the mark
	if !s.stillQueued(ctx, pair, local) {
		s.creator.Cancel(ctx, match)
		return
	}

	s.mu.Lock()
	s.pending[match.ID] = pendingMatch{match: match, prefs: mergePreferences(pair.A.Preferences, pair.B.Preferences)}
	s.mu.Unlock()

	for _, id := range []string{pair.A.PlayerID, pair.B.PlayerID} {
		if err := s.channel.Untrack(ctx, id); err != nil {
			s.log.WithPlayer(id).WithError(err).Warn("Failed to untrack matched player")
		}
	}

	found := model.MatchFound{
		MatchID: match.ID,
		Players: [2]string{match.PlayerA, match.PlayerB},
		Host:    s.cfg.InstanceID,
	}
	if err := s.channel.Publish(ctx, eventMatchFound, found); err != nil {
		s.log.WithMatch(match.ID).WithError(err).Warn("match_found broadcast failed, delivering locally")
		s.handleMatchFound(ctx, found)
	}
}

func (s *QueueService) handleMatchFound(ctx context.Context, found model.MatchFound) {
	match := model.Match{ID: found.MatchID, PlayerA: found.Players[0], PlayerB: found.Players[1]}

	s.mu.Lock()
	p, hosted := s.pending[found.MatchID]
	delete(s.pending, found.MatchID)
	onMatch := s.onMatch
	s.mu.Unlock()
	if hosted {
		match = p.match
	}

	for i, id := range found.Players {
		s.mu.Lock()
		l, ok := s.listeners[id]
		if ok {
			l.timer.Stop()
			delete(s.listeners, id)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}

		opponent, err := s.profiles.GetProfile(ctx, found.Players[1-i])
		if err != nil {
			s.log.WithPlayer(id).WithError(err).Warn("Opponent profile lookup failed")
		}
		l.fn(QueueEvent{
			Status:   model.QueueMatched,
			Match:    &match,
			Opponent: &opponent,
			Host:     found.Host,
		})
	}

	if hosted && onMatch != nil {
		onMatch(ctx, match, p.prefs)
	}
}

func (s *QueueService) onTimeout(playerID string, gen uint64) {
	ctx := context.Background()

	// a match may already be in flight for this player; check again once it
	// has either been announced or released
	if active, err := s.creator.IsActive(ctx, playerID); err == nil && active {
		s.rearm(playerID, gen)
		return
	}

	l := s.dropListener(playerID, gen)
	if l == nil {
		return
	}
	if err := s.channel.Untrack(ctx, playerID); err != nil {
		s.log.WithPlayer(playerID).WithError(err).Warn("Failed to untrack timed out player")
	}

	s.metrics.QueueTimeouts.Inc()
	s.log.WithPlayer(playerID).Info("Matchmaking timed out")
	l.fn(QueueEvent{Status: model.QueueTimeout, Err: ErrMatchmakingTimeout})
}

func (s *QueueService) rearm(playerID string, gen uint64) {
	delay := s.cfg.ResyncInterval
	if delay <= 0 {
		delay = timeoutRecheckDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[playerID]
	if !ok || l.gen != gen {
		return
	}
	l.timer = s.clock.AfterFunc(delay, func() { s.onTimeout(playerID, gen) })
}

// dropListener removes the listener only if it is still the given generation
func (s *QueueService) dropListener(playerID string, gen uint64) *queueListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listeners[playerID]
	if !ok || l.gen != gen {
		return nil
	}
	l.timer.Stop()
	delete(s.listeners, playerID)
	return l
}

func mergePreferences(a, b model.Preferences) model.Preferences {
	pick := func(x, y string) string {
		if x != "" {
			return x
		}
		return y
	}
	return model.Preferences{
		Mode:       pick(a.Mode, b.Mode),
		Category:   pick(a.Category, b.Category),
		Difficulty: pick(a.Difficulty, b.Difficulty),
	}
}

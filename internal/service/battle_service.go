package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"questduel/internal/engine"
	"questduel/internal/logger"
	"questduel/internal/metrics"
	"questduel/internal/model"
	"questduel/internal/repository"
)

const (
	botName             = "Quiz Bot"
	defaultPersistTries = 3
	persistTimeout      = 30 * time.Second
)

// BattleServiceConfig configures battle hosting
type BattleServiceConfig struct {
	Battle       BattleConfig
	BotRating    int
	BotLevel     int
	PersistTries int
	RetryBackoff time.Duration
}

// BattleErrorPayload is sent when a battle cannot continue
type BattleErrorPayload struct {
	MatchID string `json:"matchId"`
	Message string `json:"message"`
}

type hostedBattle struct {
	battle      *Battle
	match       model.Match
	humanRating int
	botTimer    clockwork.Timer
}

// BattleService hosts the battles created on this instance
type BattleService struct {
	questions   QuestionSource
	profiles    ProfileLookup
	creator     *MatchCreator
	matches     repository.MatchRepo
	rewards     *RewardService
	bots        *engine.BotAgent
	clock       clockwork.Clock
	cfg         BattleServiceConfig
	log         *logger.Logger
	metrics     *metrics.Metrics
	broadcaster Broadcaster

	mu       sync.Mutex
	battles  map[string]*hostedBattle
	byPlayer map[string]string
	wg       sync.WaitGroup
}

// NewBattleService creates a new battle service
func NewBattleService(
	questions QuestionSource,
	profiles ProfileLookup,
	creator *MatchCreator,
	matches repository.MatchRepo,
	rewards *RewardService,
	bots *engine.BotAgent,
	clock clockwork.Clock,
	cfg BattleServiceConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *BattleService {
	if cfg.PersistTries <= 0 {
		cfg.PersistTries = defaultPersistTries
	}
	return &BattleService{
		questions:   questions,
		profiles:    profiles,
		creator:     creator,
		matches:     matches,
		rewards:     rewards,
		bots:        bots,
		clock:       clock,
		cfg:         cfg,
		log:         log,
		metrics:     m,
		broadcaster: nopBroadcaster{},
		battles:     make(map[string]*hostedBattle),
		byPlayer:    make(map[string]string),
	}
}

// SetBroadcaster sets the WebSocket broadcaster
func (s *BattleService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// StartMatch hosts a battle for a freshly created match. It is the queue's
// MatchHandler.
func (s *BattleService) StartMatch(ctx context.Context, match model.Match, prefs model.Preferences) {
	pa, pb, err := resolvePair(ctx, s.profiles, match.PlayerA, match.PlayerB)
	if err != nil {
		s.log.WithMatch(match.ID).WithError(err).Warn("Profile lookup failed, using defaults")
	}
	if err := s.host(ctx, match, Participant{Profile: pa}, Participant{Profile: pb}, prefs); err != nil {
		s.log.WithMatch(match.ID).WithError(err).Error("Battle failed to start")
	}
}

// StartBotBattle creates a match against a bot and starts it
func (s *BattleService) StartBotBattle(ctx context.Context, playerID string, prefs model.Preferences) (model.Match, error) {
	active, err := s.creator.IsActive(ctx, playerID)
	if err != nil {
		return model.Match{}, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	if active {
		return model.Match{}, ErrAlreadyInMatch
	}

	botID := "bot-" + uuid.NewString()
	match, err := s.creator.CreateBotMatch(ctx, playerID, botID)
	if err != nil {
		return model.Match{}, err
	}

	profile, err := s.profiles.GetProfile(ctx, playerID)
	if err != nil {
		s.log.WithPlayer(playerID).WithError(err).Warn("Profile lookup failed, using defaults")
		profile = model.DefaultProfile(playerID)
	}
	bot := Participant{
		Profile: model.PlayerProfile{
			ID:     botID,
			Name:   botName,
			Level:  s.cfg.BotLevel,
			Rating: s.cfg.BotRating,
		},
		IsBot: true,
	}
	s.broadcaster.SendToPlayer(playerID, MsgMatchFound, MatchFoundPayload{
		MatchID:  match.ID,
		Opponent: bot.Profile,
		IsBot:    true,
	})

	if err := s.host(ctx, match, Participant{Profile: profile}, bot, prefs); err != nil {
		return match, err
	}
	return match, nil
}

func (s *BattleService) host(ctx context.Context, match model.Match, a, b Participant, prefs model.Preferences) error {
	hb := &hostedBattle{match: match}
	for _, p := range []Participant{a, b} {
		if !p.IsBot {
			hb.humanRating = p.Profile.Rating
		}
	}

	hb.battle = NewBattle(match, a, b, s.cfg.Battle, s.clock, BattleHooks{
		RoundStarted:  func(snap BattleSnapshot) { s.onRoundStarted(hb, snap) },
		Revealed:      func(snap BattleSnapshot) { s.onRevealed(snap) },
		RoundResolved: func(snap BattleSnapshot, out model.RoundOutcome) { s.onRoundResolved(snap, out) },
		Completed:     func(outcome BattleOutcome) { s.onCompleted(hb, outcome) },
		Failed:        func(snap BattleSnapshot, err error) { s.onFailed(hb, snap, err) },
	})

	s.mu.Lock()
	s.battles[match.ID] = hb
	for _, p := range []Participant{a, b} {
		if !p.IsBot {
			s.byPlayer[p.Profile.ID] = match.ID
		}
	}
	s.mu.Unlock()
	s.metrics.ActiveBattles.Inc()

	s.log.WithMatch(match.ID).WithField("bot", match.IsBot).Info("Battle starting")

	criteria := repository.QuestionCriteria{Category: prefs.Category, Difficulty: prefs.Difficulty}
	return hb.battle.Prepare(ctx, s.questions, criteria)
}

// SelectAction routes a player's action to their battle
func (s *BattleService) SelectAction(playerID, matchID string, action model.Action) error {
	hb, err := s.lookup(playerID, matchID)
	if err != nil {
		return err
	}
	return hb.battle.SelectAction(playerID, action)
}

// SubmitAnswer routes a player's answer to their battle
func (s *BattleService) SubmitAnswer(playerID, matchID, answer string) error {
	hb, err := s.lookup(playerID, matchID)
	if err != nil {
		return err
	}
	return hb.battle.SubmitAnswer(playerID, answer)
}

// Exit forfeits the player's current battle
func (s *BattleService) Exit(playerID, matchID string) error {
	hb, err := s.lookup(playerID, matchID)
	if err != nil {
		return err
	}
	return hb.battle.Forfeit(playerID, nil)
}

// HandleDisconnect forfeits the battle of a player whose connection dropped
func (s *BattleService) HandleDisconnect(playerID string) {
	hb, err := s.lookup(playerID, "")
	if err != nil {
		return
	}
	if err := hb.battle.Forfeit(playerID, ErrOpponentDisconnected); err != nil && !errors.Is(err, ErrBattleCompleted) {
		s.log.WithPlayer(playerID).WithError(err).Warn("Forfeit on disconnect failed")
	}
}

// ActiveMatch returns the match the player is battling in on this instance
func (s *BattleService) ActiveMatch(playerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPlayer[playerID]
	return id, ok
}

// Battle returns a hosted battle by match id
func (s *BattleService) Battle(matchID string) (*Battle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb, ok := s.battles[matchID]
	if !ok {
		return nil, false
	}
	return hb.battle, true
}

// Wait blocks until background persistence has finished
func (s *BattleService) Wait() {
	s.wg.Wait()
}

// Shutdown aborts every hosted battle and waits for persistence
func (s *BattleService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hosted := make([]*hostedBattle, 0, len(s.battles))
	for _, hb := range s.battles {
		hosted = append(hosted, hb)
	}
	s.mu.Unlock()

	for _, hb := range hosted {
		hb.battle.Abort(errors.New("server shutting down"))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BattleService) lookup(playerID, matchID string) (*hostedBattle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byPlayer[playerID]
	if !ok {
		if matchID != "" {
			if _, exists := s.battles[matchID]; exists {
				return nil, ErrNotInBattle
			}
		}
		return nil, ErrBattleNotFound
	}
	if matchID != "" && matchID != current {
		return nil, ErrBattleNotFound
	}
	hb, ok := s.battles[current]
	if !ok {
		return nil, ErrBattleNotFound
	}
	return hb, nil
}

func (s *BattleService) unregister(hb *hostedBattle) {
	s.mu.Lock()
	_, ok := s.battles[hb.match.ID]
	delete(s.battles, hb.match.ID)
	for player, matchID := range s.byPlayer {
		if matchID == hb.match.ID {
			delete(s.byPlayer, player)
		}
	}
	if hb.botTimer != nil {
		hb.botTimer.Stop()
		hb.botTimer = nil
	}
	s.mu.Unlock()

	if ok {
		s.metrics.ActiveBattles.Dec()
	}
}

func (s *BattleService) onRoundStarted(hb *hostedBattle, snap BattleSnapshot) {
	for i, side := range snap.Sides {
		if side.IsBot {
			s.scheduleBot(hb, snap, side.PlayerID)
			continue
		}
		s.broadcaster.SendToPlayer(side.PlayerID, MsgRoundStarted, model.RoundStarted{
			MatchID:      snap.MatchID,
			Round:        snap.Round,
			TotalRounds:  snap.TotalRounds,
			Question:     snap.Question.View(),
			TimePerRound: int(s.cfg.Battle.TimePerQuestion / time.Second),
			Deadline:     snap.Deadline,
			You:          side.State,
			Opponent:     snap.Sides[1-i].State,
		})
	}
}

// scheduleBot plays the bot's turn after a simulated thinking delay
func (s *BattleService) scheduleBot(hb *hostedBattle, snap BattleSnapshot, botID string) {
	action := s.bots.ChooseAction()
	answer, _ := s.bots.ChooseAnswer(snap.Question, hb.humanRating)
	limit := int(s.cfg.Battle.TimePerQuestion / time.Second)
	remaining := s.bots.ChooseResponseLatency(limit)
	delay := s.cfg.Battle.TimePerQuestion - time.Duration(remaining)*time.Second

	round := snap.Round
	timer := s.clock.AfterFunc(delay, func() {
		err := hb.battle.SubmitForRound(botID, round, action, answer)
		if err != nil && !errors.Is(err, ErrInputClosed) && !errors.Is(err, ErrBattleCompleted) {
			s.log.WithMatch(hb.match.ID).WithError(err).Warn("Bot turn rejected")
		}
	})

	s.mu.Lock()
	if hb.botTimer != nil {
		hb.botTimer.Stop()
	}
	hb.botTimer = timer
	s.mu.Unlock()
}

func (s *BattleService) onRevealed(snap BattleSnapshot) {
	for i, side := range snap.Sides {
		if side.IsBot {
			continue
		}
		opp := snap.Sides[1-i]
		s.broadcaster.SendToPlayer(side.PlayerID, MsgRoundReveal, model.RoundReveal{
			MatchID:         snap.MatchID,
			Round:           snap.Round,
			CorrectAnswer:   snap.Question.CorrectAnswer,
			YourAnswer:      side.State.SubmittedAnswer,
			YourCorrect:     side.State.IsAnswerCorrect,
			OpponentAction:  opp.State.SelectedAction,
			OpponentCorrect: opp.State.IsAnswerCorrect,
		})
	}
}

func (s *BattleService) onRoundResolved(snap BattleSnapshot, out model.RoundOutcome) {
	s.metrics.RoundsResolved.Inc()
	for i, side := range snap.Sides {
		if side.IsBot {
			continue
		}
		yourSide := model.SideA
		if i == 1 {
			yourSide = model.SideB
		}
		s.broadcaster.SendToPlayer(side.PlayerID, MsgRoundOutcome, model.RoundResult{
			MatchID:  snap.MatchID,
			Round:    snap.Round,
			Outcome:  out,
			YourSide: yourSide,
		})
	}
}

func (s *BattleService) onCompleted(hb *hostedBattle, outcome BattleOutcome) {
	s.metrics.BattlesCompleted.WithLabelValues(string(outcome.Reason)).Inc()
	s.unregister(hb)

	if err := s.creator.Release(context.Background(), hb.match); err != nil {
		s.log.WithMatch(hb.match.ID).WithError(err).Error("Failed to release active marks")
	}

	for i, side := range outcome.Sides {
		if side.IsBot {
			continue
		}
		s.broadcaster.SendToPlayer(side.PlayerID, MsgBattleCompleted, outcome.Summary(i))
	}

	s.log.WithMatch(hb.match.ID).WithFields(map[string]interface{}{
		"reason": outcome.Reason,
		"winner": outcome.WinnerID,
	}).Info("Battle completed")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.persistOutcome(hb.match, outcome)
	}()
}

func (s *BattleService) onFailed(hb *hostedBattle, snap BattleSnapshot, cause error) {
	s.metrics.BattlesCompleted.WithLabelValues("error").Inc()
	s.unregister(hb)

	if err := s.creator.Release(context.Background(), hb.match); err != nil {
		s.log.WithMatch(hb.match.ID).WithError(err).Error("Failed to release active marks")
	}

	for _, side := range snap.Sides {
		if side.IsBot {
			continue
		}
		s.broadcaster.SendToPlayer(side.PlayerID, MsgBattleError, BattleErrorPayload{
			MatchID: snap.MatchID,
			Message: cause.Error(),
		})
	}
	s.log.WithMatch(hb.match.ID).WithError(cause).Warn("Battle aborted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		s.retry(ctx, hb.match.ID, "update_status", func() error {
			return s.matches.UpdateStatus(ctx, hb.match.ID, model.MatchAborted)
		})
	}()
}

func (s *BattleService) persistOutcome(match model.Match, outcome BattleOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	s.retry(ctx, match.ID, "update_status", func() error {
		return s.matches.UpdateStatus(ctx, match.ID, model.MatchCompleted)
	})

	for i, side := range outcome.Sides {
		if side.IsBot {
			continue
		}
		opp := outcome.Sides[1-i]
		history := &model.BattleHistory{
			ID:            model.RecordID(match.ID, side.PlayerID),
			MatchID:       match.ID,
			UserID:        side.PlayerID,
			OpponentID:    opp.PlayerID,
			WinnerID:      outcome.WinnerID,
			ScorePlayer:   side.CorrectAnswers,
			ScoreOpponent: opp.CorrectAnswers,
			XPEarned:      side.Rewards.XPEarned,
			CoinsEarned:   side.Rewards.CoinsEarned,
			StreakBonus:   side.Rewards.StreakBonus,
			IsBotOpponent: opp.IsBot,
			Reason:        string(outcome.Reason),
			CreatedAt:     outcome.CompletedAt,
		}
		s.retry(ctx, match.ID, "upsert_history", func() error {
			return s.matches.UpsertHistory(ctx, history)
		})

		if side.Result == model.ResultForfeit {
			continue
		}
		s.retry(ctx, match.ID, "publish_reward", func() error {
			return s.rewards.Emit(ctx, match.ID, side.PlayerID, side.Result, side.Rewards, opp.IsBot)
		})
	}
}

// retry runs fn up to PersistTries times with linear backoff
func (s *BattleService) retry(ctx context.Context, matchID, op string, fn func() error) {
	var err error
	for attempt := 1; attempt <= s.cfg.PersistTries; attempt++ {
		if err = fn(); err == nil {
			return
		}
		s.metrics.PersistenceFailures.WithLabelValues(op).Inc()
		if attempt == s.cfg.PersistTries || s.cfg.RetryBackoff <= 0 {
			continue
		}
		select {
		case <-s.clock.After(s.cfg.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = s.cfg.PersistTries
		}
	}
	s.log.WithMatch(matchID).WithError(err).WithField("op", op).Error("Giving up on battle persistence")
}

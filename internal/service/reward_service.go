package service

import (
	"context"

	"github.com/jonboulle/clockwork"

	"questduel/internal/logger"
	"questduel/internal/model"
)

// RewardPublisher delivers reward events to the progression system
type RewardPublisher interface {
	PublishReward(ctx context.Context, event model.RewardEvent) error
}

// RewardService emits BattleRewards; it never mutates XP or coin totals itself
type RewardService struct {
	publisher RewardPublisher
	clock     clockwork.Clock
	log       *logger.Logger
}

// NewRewardService creates a reward service. A nil publisher only logs.
func NewRewardService(publisher RewardPublisher, clock clockwork.Clock, log *logger.Logger) *RewardService {
	return &RewardService{publisher: publisher, clock: clock, log: log}
}

// Emit publishes one player's rewards. Failures are logged and returned.
func (s *RewardService) Emit(ctx context.Context, matchID, userID string, result model.BattleResult, rewards model.BattleRewards, isBot bool) error {
	event := model.RewardEvent{
		MatchID:       matchID,
		UserID:        userID,
		Result:        result,
		Rewards:       rewards,
		IsBotOpponent: isBot,
		EmittedAt:     s.clock.Now(),
	}

	entry := s.log.WithMatch(matchID).WithField("player_id", userID)
	if s.publisher == nil {
		entry.WithField("xp", rewards.XPEarned).Debug("Rewards computed, no publisher configured")
		return nil
	}
	if err := s.publisher.PublishReward(ctx, event); err != nil {
		entry.WithError(err).Error("Failed to publish rewards")
		return err
	}
	return nil
}

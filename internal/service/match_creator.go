package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"questduel/internal/cache"
	"questduel/internal/logger"
	"questduel/internal/metrics"
	"questduel/internal/model"
	"questduel/internal/repository"
)

// MatchCreator turns a compatible pair into a persisted match. The active-match
// mark is taken atomically for both players before anything is written.
type MatchCreator struct {
	locks   cache.MatchLockCache
	matches repository.MatchRepo
	clock   clockwork.Clock
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewMatchCreator creates a new match creator
func NewMatchCreator(locks cache.MatchLockCache, matches repository.MatchRepo, clock clockwork.Clock, log *logger.Logger, m *metrics.Metrics) *MatchCreator {
	return &MatchCreator{
		locks:   locks,
		matches: matches,
		clock:   clock,
		log:     log,
		metrics: m,
	}
}

// CreateMatch marks both players and writes one row per participant
func (c *MatchCreator) CreateMatch(ctx context.Context, a, b model.QueueEntry) (model.Match, error) {
	match := model.Match{
		ID:        uuid.NewString(),
		PlayerA:   a.PlayerID,
		PlayerB:   b.PlayerID,
		CreatedAt: c.clock.Now(),
	}
	if err := c.create(ctx, match, []string{a.PlayerID, b.PlayerID}); err != nil {
		return model.Match{}, err
	}
	return match, nil
}

// CreateBotMatch marks only the human player; the bot gets no match row
func (c *MatchCreator) CreateBotMatch(ctx context.Context, playerID, botID string) (model.Match, error) {
	match := model.Match{
		ID:        uuid.NewString(),
		PlayerA:   playerID,
		PlayerB:   botID,
		IsBot:     true,
		CreatedAt: c.clock.Now(),
	}
	if err := c.create(ctx, match, []string{playerID}); err != nil {
		return model.Match{}, err
	}
	return match, nil
}

func (c *MatchCreator) create(ctx context.Context, match model.Match, humans []string) error {
	ok, err := c.locks.Mark(ctx, match.ID, humans...)
	if err != nil {
		c.metrics.MatchCreateFailures.WithLabelValues("lock").Inc()
		return fmt.Errorf("%w: mark active: %w", ErrPersistenceFailure, err)
	}
	if !ok {
		c.metrics.MatchCreateFailures.WithLabelValues("unavailable").Inc()
		return ErrPlayerUnavailable
	}

	for _, id := range humans {
		record := &model.MatchRecord{
			ID:         model.RecordID(match.ID, id),
			MatchID:    match.ID,
			UserID:     id,
			OpponentID: match.Opponent(id),
			Status:     model.MatchActive,
			CreatedAt:  match.CreatedAt,
			UpdatedAt:  match.CreatedAt,
		}
		if err := c.matches.CreateRecord(ctx, record); err != nil {
			c.rollback(ctx, match, humans)
			c.metrics.MatchCreateFailures.WithLabelValues("persistence").Inc()
			c.metrics.PersistenceFailures.WithLabelValues("create_match").Inc()
			return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
	}

	c.metrics.MatchesCreated.Inc()
	c.log.WithMatch(match.ID).WithField("players", humans).Info("Match created")
	return nil
}

func (c *MatchCreator) rollback(ctx context.Context, match model.Match, humans []string) {
	if err := c.matches.DeleteMatch(ctx, match.ID); err != nil {
		c.log.WithMatch(match.ID).WithError(err).Error("Failed to remove partial match rows")
	}
	if err := c.locks.Release(ctx, match.ID, humans...); err != nil {
		c.log.WithMatch(match.ID).WithError(err).Error("Failed to release active marks")
	}
}

// Cancel undoes a match whose players turned out to be ineligible before
// anything was announced. Rows are deleted and marks released.
func (c *MatchCreator) Cancel(ctx context.Context, match model.Match) {
	humans := []string{match.PlayerA}
	if !match.IsBot {
		humans = append(humans, match.PlayerB)
	}
	c.rollback(ctx, match, humans)
	c.metrics.MatchCreateFailures.WithLabelValues("stale").Inc()
	c.log.WithMatch(match.ID).WithField("players", humans).Info("Match cancelled")
}

// IsActive reports whether a player currently holds an active-match mark
func (c *MatchCreator) IsActive(ctx context.Context, playerID string) (bool, error) {
	active, err := c.locks.Active(ctx, playerID)
	if err != nil {
		return false, err
	}
	return active[playerID], nil
}

// ActiveSet returns the subset of playerIDs currently in a match
func (c *MatchCreator) ActiveSet(ctx context.Context, playerIDs ...string) (map[string]bool, error) {
	return c.locks.Active(ctx, playerIDs...)
}

// Release clears the match's marks so both players may queue again
func (c *MatchCreator) Release(ctx context.Context, match model.Match) error {
	humans := []string{match.PlayerA}
	if !match.IsBot {
		humans = append(humans, match.PlayerB)
	}
	return c.locks.Release(ctx, match.ID, humans...)
}

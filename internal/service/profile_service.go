package service

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"questduel/internal/cache"
	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/repository"
)

// ProfileLookup resolves the public profile of a player
type ProfileLookup interface {
	GetProfile(ctx context.Context, playerID string) (model.PlayerProfile, error)
}

// ProfileService reads profiles through the Redis cache, falling back to
// Mongo and finally to defaults
type ProfileService struct {
	repo  repository.ProfileRepo
	cache cache.ProfileCache
	log   *logger.Logger
	group singleflight.Group
}

// NewProfileService creates a new profile service
func NewProfileService(repo repository.ProfileRepo, profileCache cache.ProfileCache, log *logger.Logger) *ProfileService {
	return &ProfileService{
		repo:  repo,
		cache: profileCache,
		log:   log,
	}
}

// GetProfile never fails for an unknown player; store errors fall back to defaults
func (s *ProfileService) GetProfile(ctx context.Context, playerID string) (model.PlayerProfile, error) {
	v, err, _ := s.group.Do(playerID, func() (interface{}, error) {
		return s.load(ctx, playerID), nil
	})
	if err != nil {
		return model.DefaultProfile(playerID), err
	}
	return v.(model.PlayerProfile), nil
}

func (s *ProfileService) load(ctx context.Context, playerID string) model.PlayerProfile {
	if s.cache != nil {
		cached, err := s.cache.GetProfile(ctx, playerID)
		if err != nil {
			s.log.WithPlayer(playerID).WithError(err).Warn("Profile cache read failed")
		} else if cached != nil {
			return *cached
		}
	}

	if s.repo == nil {
		return model.DefaultProfile(playerID)
	}
	stored, err := s.repo.GetByID(ctx, playerID)
	if err != nil {
		s.log.WithPlayer(playerID).WithError(err).Warn("Profile lookup failed, using defaults")
		return model.DefaultProfile(playerID)
	}

	profile := withDefaults(playerID, stored)
	if s.cache != nil {
		if err := s.cache.SetProfile(ctx, &profile); err != nil {
			s.log.WithPlayer(playerID).WithError(err).Warn("Profile cache write failed")
		}
	}
	return profile
}

// ResolvePair fetches both profiles concurrently
func (s *ProfileService) ResolvePair(ctx context.Context, a, b string) (model.PlayerProfile, model.PlayerProfile, error) {
	return resolvePair(ctx, s, a, b)
}

func resolvePair(ctx context.Context, lookup ProfileLookup, a, b string) (model.PlayerProfile, model.PlayerProfile, error) {
	var pa, pb model.PlayerProfile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pa, err = lookup.GetProfile(gctx, a)
		return err
	})
	g.Go(func() error {
		var err error
		pb, err = lookup.GetProfile(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.DefaultProfile(a), model.DefaultProfile(b), err
	}
	return pa, pb, nil
}

func withDefaults(playerID string, stored *model.PlayerProfile) model.PlayerProfile {
	if stored == nil {
		return model.DefaultProfile(playerID)
	}
	p := *stored
	p.ID = playerID
	if p.Name == "" {
		p.Name = model.DefaultPlayerName
	}
	if p.Level <= 0 {
		p.Level = model.DefaultPlayerLevel
	}
	if p.Rating <= 0 {
		p.Rating = model.DefaultPlayerRating
	}
	if p.Streak < 0 {
		p.Streak = 0
	}
	return p
}

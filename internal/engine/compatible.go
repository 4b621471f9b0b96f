package engine

import (
	"sort"
	"time"

	"questduel/internal/model"
)

// MatchRules control how wide the rating window is for a given wait
type MatchRules struct {
	BaseTolerance           int
	ToleranceGrowthInterval time.Duration
	ToleranceGrowthStep     int
}

// MaxRatingDiff returns the allowed rating gap after waiting for waited.
// The window never shrinks as waited grows.
func (r MatchRules) MaxRatingDiff(waited time.Duration) int {
	base := max(0, r.BaseTolerance)
	if waited <= 0 || r.ToleranceGrowthInterval <= 0 || r.ToleranceGrowthStep <= 0 {
		return base
	}
	steps := int(waited / r.ToleranceGrowthInterval)
	return base + steps*r.ToleranceGrowthStep
}

// PreferencesCompatible compares each preference field; an empty side is a wildcard
func PreferencesCompatible(a, b model.Preferences) bool {
	return fieldMatches(a.Mode, b.Mode) &&
		fieldMatches(a.Category, b.Category) &&
		fieldMatches(a.Difficulty, b.Difficulty)
}

func fieldMatches(a, b string) bool {
	return a == "" || b == "" || a == b
}

// Compatible reports whether a and b may be paired at now. The wait used for
// the rating window is measured from the earlier join, so the result does not
// depend on argument order. inMatch may be nil.
func Compatible(a, b model.QueueEntry, now time.Time, rules MatchRules, inMatch func(string) bool) bool {
	if a.PlayerID == "" || b.PlayerID == "" || a.PlayerID == b.PlayerID {
		return false
	}
	if inMatch != nil && (inMatch(a.PlayerID) || inMatch(b.PlayerID)) {
		return false
	}
	if !PreferencesCompatible(a.Preferences, b.Preferences) {
		return false
	}

	earliest := a.JoinedAt
	if b.JoinedAt.Before(earliest) {
		earliest = b.JoinedAt
	}
	diff := a.Rating - b.Rating
	if diff < 0 {
		diff = -diff
	}
	return diff <= rules.MaxRatingDiff(now.Sub(earliest))
}

// Pair is two queue entries chosen to play each other
type Pair struct {
	A model.QueueEntry
	B model.QueueEntry
}

// Pass is one pairing sweep over a queue snapshot
type Pass struct {
	Rules MatchRules
	// InMatch excludes players already in an active match
	InMatch func(playerID string) bool
	// Owned restricts the pass to pairs where at least one player belongs to
	// this instance. Nil means every pair is eligible.
	Owned func(playerID string) bool
}

// Run pairs entries greedily, oldest first. No player appears in more than one pair.
func (p Pass) Run(entries []model.QueueEntry, now time.Time) []Pair {
	sorted := dedupe(entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].PlayerID < sorted[j].PlayerID
		}
		return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
	})

	used := make(map[string]bool, len(sorted))
	var pairs []Pair
	for i := range sorted {
		a := sorted[i]
		if used[a.PlayerID] {
			continue
		}
		for j := i + 1; j < len(sorted); j++ {
			b := sorted[j]
			if used[b.PlayerID] {
				continue
			}
			if p.Owned != nil && !p.Owned(a.PlayerID) && !p.Owned(b.PlayerID) {
				continue
			}
			if !Compatible(a, b, now, p.Rules, p.InMatch) {
				continue
			}
			used[a.PlayerID] = true
			used[b.PlayerID] = true
			pairs = append(pairs, Pair{A: a, B: b})
			break
		}
	}
	return pairs
}

// dedupe keeps the most recent entry per player
func dedupe(entries []model.QueueEntry) []model.QueueEntry {
	latest := make(map[string]int, len(entries))
	out := make([]model.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if idx, ok := latest[e.PlayerID]; ok {
			if e.JoinedAt.After(out[idx].JoinedAt) {
				out[idx] = e
			}
			continue
		}
		latest[e.PlayerID] = len(out)
		out = append(out, e)
	}
	return out
}

// FindPairs runs a single unrestricted pass
func FindPairs(entries []model.QueueEntry, now time.Time, rules MatchRules, inMatch func(string) bool) []Pair {
	return Pass{Rules: rules, InMatch: inMatch}.Run(entries, now)
}

package model

import "time"

// Preferences narrow who a player is willing to face. Empty fields match anything.
type Preferences struct {
	Mode       string `json:"mode,omitempty" validate:"omitempty,max=32"`
	Category   string `json:"category,omitempty" validate:"omitempty,max=64"`
	Difficulty string `json:"difficulty,omitempty" validate:"omitempty,max=32"`
}

// QueueEntry is a player's record while searching for an opponent
type QueueEntry struct {
	PlayerID    string      `json:"playerId" validate:"required,max=128"`
	Rating      int         `json:"rating" validate:"gte=0"`
	Level       int         `json:"level" validate:"gte=0"`
	JoinedAt    time.Time   `json:"joinedAt"`
	Preferences Preferences `json:"preferences"`
}

// QueueStatus is the lifecycle of a player's search as seen by that player
type QueueStatus string

const (
	QueueSearching QueueStatus = "searching"
	QueueMatched   QueueStatus = "matched"
	QueueTimeout   QueueStatus = "timeout"
	QueueError     QueueStatus = "error"
	QueueLeft      QueueStatus = "left"
)

// QueueState is pushed to a player whenever their search changes state
type QueueState struct {
	Status  QueueStatus `json:"status"`
	MatchID string      `json:"matchId,omitempty"`
	Message string      `json:"message,omitempty"`
}

// MatchFound is broadcast on the presence channel when a pair is confirmed
type MatchFound struct {
	MatchID string    `json:"matchId"`
	Players [2]string `json:"players"`
	Host    string    `json:"host"` // Instance that owns the battle
}

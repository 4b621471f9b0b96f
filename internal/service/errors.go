package service

import "errors"

// Matchmaking and battle error kinds. Callers match them with errors.Is.
var (
	ErrQueueJoinFailure     = errors.New("queue join failed")
	ErrMatchmakingTimeout   = errors.New("no opponent found in time")
	ErrQuestionSourceEmpty  = errors.New("no questions available")
	ErrPersistenceFailure   = errors.New("match persistence failed")
	ErrOpponentDisconnected = errors.New("opponent disconnected")

	ErrAlreadyInMatch    = errors.New("player is already in a match")
	ErrPlayerUnavailable = errors.New("player is no longer available")
	ErrBattleNotFound    = errors.New("battle not found")
	ErrBattleCompleted   = errors.New("battle already completed")
	ErrNotInBattle       = errors.New("player is not in this battle")
	ErrInputClosed       = errors.New("round is not accepting input")
	ErrInvalidAction     = errors.New("invalid action")
	ErrInvalidToken      = errors.New("invalid or expired token")
)

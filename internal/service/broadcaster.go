package service

import "questduel/internal/model"

// Server to client message types
const (
	MsgQueueState      = "queue_state"
	MsgMatchFound      = "match_found"
	MsgRoundStarted    = "round_started"
	MsgRoundReveal     = "round_reveal"
	MsgRoundOutcome    = "round_outcome"
	MsgBattleCompleted = "battle_completed"
	MsgBattleError     = "battle_error"
	MsgError           = "error"
)

// Broadcaster interface for WebSocket delivery (avoids import cycle)
type Broadcaster interface {
	SendToPlayer(playerID string, msgType string, payload interface{})
}

type nopBroadcaster struct{}

func (nopBroadcaster) SendToPlayer(string, string, interface{}) {}

// MatchFoundPayload tells a player who they were paired with
type MatchFoundPayload struct {
	MatchID  string              `json:"matchId"`
	Opponent model.PlayerProfile `json:"opponent"`
	IsBot    bool                `json:"isBot"`
	Host     string              `json:"host,omitempty"`
}

// ErrorPayload reports a rejected client request
type ErrorPayload struct {
	Message string `json:"message"`
}

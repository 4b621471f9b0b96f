package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/presence"
)

const (
	eventPlayerMessage = "player_message"
	eventBattleInput   = "battle_input"
)

// Battle input kinds carried between instances
const (
	InputSelectAction = "select_action"
	InputSubmitAnswer = "submit_answer"
	InputExit         = "exit_battle"
	InputDisconnect   = "disconnect"
)

// LocalDelivery is a broadcaster that knows which players it holds sockets for
type LocalDelivery interface {
	Broadcaster
	IsConnected(playerID string) bool
}

// BattleInput is a player's battle command, possibly for a battle hosted elsewhere
type BattleInput struct {
	PlayerID string       `json:"playerId"`
	Kind     string       `json:"kind"`
	MatchID  string       `json:"matchId,omitempty"`
	Action   model.Action `json:"action,omitempty"`
	Answer   string       `json:"answer,omitempty"`
}

type relayedMessage struct {
	PlayerID string          `json:"playerId"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// Relay connects players to battles hosted on another instance. Outbound
// messages for players without a local socket and inputs for battles not
// hosted here travel as channel broadcasts.
type Relay struct {
	channel presence.Channel
	local   LocalDelivery
	battles *BattleService
	creator *MatchCreator
	log     *logger.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewRelay creates a relay over channel
func NewRelay(channel presence.Channel, local LocalDelivery, battles *BattleService, creator *MatchCreator, log *logger.Logger) *Relay {
	return &Relay{
		channel: channel,
		local:   local,
		battles: battles,
		creator: creator,
		log:     log,
	}
}

// Start subscribes to relayed traffic
func (r *Relay) Start(ctx context.Context) error {
	unsubscribe, err := r.channel.Subscribe(ctx, r.handleEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe relay: %w", err)
	}
	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()
	return nil
}

// Stop unsubscribes
func (r *Relay) Stop() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// SendToPlayer delivers locally when possible, otherwise broadcasts
func (r *Relay) SendToPlayer(playerID string, msgType string, payload interface{}) {
	if r.local.IsConnected(playerID) {
		r.local.SendToPlayer(playerID, msgType, payload)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.log.WithPlayer(playerID).WithError(err).Error("Failed to encode relayed message")
		return
	}
	msg := relayedMessage{PlayerID: playerID, Type: msgType, Payload: data}
	if err := r.channel.Publish(context.Background(), eventPlayerMessage, msg); err != nil {
		r.log.WithPlayer(playerID).WithError(err).Warn("Failed to relay message")
	}
}

// Apply runs a battle input here or forwards it to the hosting instance
func (r *Relay) Apply(ctx context.Context, in BattleInput) error {
	err := r.applyLocal(in)
	if !errors.Is(err, ErrBattleNotFound) {
		return err
	}

	// no local battle; only forward if the player is in a match somewhere
	active, lookupErr := r.creator.IsActive(ctx, in.PlayerID)
	if lookupErr != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, lookupErr)
	}
	if !active {
		return ErrBattleNotFound
	}
	return r.channel.Publish(ctx, eventBattleInput, in)
}

// Disconnect forfeits the player's battle wherever it is hosted
func (r *Relay) Disconnect(ctx context.Context, playerID string) {
	err := r.Apply(ctx, BattleInput{PlayerID: playerID, Kind: InputDisconnect})
	if err != nil && !errors.Is(err, ErrBattleNotFound) {
		r.log.WithPlayer(playerID).WithError(err).Warn("Disconnect forfeit failed")
	}
}

func (r *Relay) applyLocal(in BattleInput) error {
	switch in.Kind {
	case InputSelectAction:
		return r.battles.SelectAction(in.PlayerID, in.MatchID, in.Action)
	case InputSubmitAnswer:
		return r.battles.SubmitAnswer(in.PlayerID, in.MatchID, in.Answer)
	case InputExit:
		return r.battles.Exit(in.PlayerID, in.MatchID)
	case InputDisconnect:
		if _, ok := r.battles.ActiveMatch(in.PlayerID); !ok {
			return ErrBattleNotFound
		}
		r.battles.HandleDisconnect(in.PlayerID)
		return nil
	}
	return fmt.Errorf("unknown battle input %q", in.Kind)
}

func (r *Relay) handleEvent(ev presence.Event) {
	if ev.Kind != presence.EventBroadcast {
		return
	}

	switch ev.Name {
	case eventPlayerMessage:
		var msg relayedMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			r.log.WithError(err).Warn("Malformed relayed message")
			return
		}
		if r.local.IsConnected(msg.PlayerID) {
			r.local.SendToPlayer(msg.PlayerID, msg.Type, msg.Payload)
		}

	case eventBattleInput:
		var in BattleInput
		if err := json.Unmarshal(ev.Payload, &in); err != nil {
			r.log.WithError(err).Warn("Malformed relayed battle input")
			return
		}
		err := r.applyLocal(in)
		switch {
		case err == nil, errors.Is(err, ErrBattleNotFound):
		default:
			r.SendToPlayer(in.PlayerID, MsgError, ErrorPayload{Message: err.Error()})
		}
	}
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"questduel/internal/logger"
	"questduel/internal/model"
	"questduel/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client to server message types
const (
	MsgQueueJoin    = "queue_join"
	MsgQueueLeave   = "queue_leave"
	MsgBotBattle    = "bot_battle"
	MsgSelectAction = "select_action"
	MsgSubmitAnswer = "submit_answer"
	MsgExitBattle   = "exit_battle"
)

// ClientMessage is the envelope clients send
type ClientMessage struct {
	Type    string          `json:"type" validate:"required,oneof=queue_join queue_leave bot_battle select_action submit_answer exit_battle"`
	Payload json.RawMessage `json:"payload"`
}

// ActionRequest is the payload of select_action
type ActionRequest struct {
	MatchID string       `json:"matchId" validate:"omitempty,max=64"`
	Action  model.Action `json:"action" validate:"required,oneof=attack defend focus"`
}

// AnswerRequest is the payload of submit_answer
type AnswerRequest struct {
	MatchID string `json:"matchId" validate:"omitempty,max=64"`
	Answer  string `json:"answer" validate:"max=16"`
}

// ExitRequest is the payload of exit_battle
type ExitRequest struct {
	MatchID string `json:"matchId" validate:"omitempty,max=64"`
}

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	authSvc  *service.AuthService
	queue    *service.QueueService
	battles  *service.BattleService
	relay    *service.Relay
	profiles service.ProfileLookup
	validate *validator.Validate
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewHandler creates a new WebSocket handler. An empty origin list allows all origins.
func NewHandler(
	hub *Hub,
	authSvc *service.AuthService,
	queue *service.QueueService,
	battles *service.BattleService,
	relay *service.Relay,
	profiles service.ProfileLookup,
	allowedOrigins []string,
	log *logger.Logger,
) *Handler {
	return &Handler{
		hub:      hub,
		authSvc:  authSvc,
		queue:    queue,
		battles:  battles,
		relay:    relay,
		profiles: profiles,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// PlayerWS handles GET /v1/ws/battle
func (h *Handler) PlayerWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.authSvc.ValidatePlayerToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(claims.PlayerID)
	h.hub.Register(conn)
	h.log.WithPlayer(claims.PlayerID).Info("Player connected via WebSocket")

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn)
}

func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection) {
	defer func() {
		if h.hub.Unregister(conn) {
			h.disconnect(conn.PlayerID)
		}
		wsConn.Close()
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithPlayer(conn.PlayerID).WithError(err).Warn("WebSocket read error")
			}
			break
		}
		if err := h.Dispatch(context.Background(), conn.PlayerID, data); err != nil {
			h.hub.SendToPlayer(conn.PlayerID, service.MsgError, service.ErrorPayload{Message: err.Error()})
		}
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect drops the player from the queue and forfeits any battle
func (h *Handler) disconnect(playerID string) {
	ctx := context.Background()
	if err := h.queue.Leave(ctx, playerID); err != nil {
		h.log.WithPlayer(playerID).WithError(err).Warn("Queue leave on disconnect failed")
	}
	h.relay.Disconnect(ctx, playerID)
}

// Dispatch handles one client message
func (h *Handler) Dispatch(ctx context.Context, playerID string, data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errors.New("malformed message")
	}
	if err := h.validate.Struct(msg); err != nil {
		return errors.New("unknown message type")
	}

	switch msg.Type {
	case MsgQueueJoin:
		var req model.Preferences
		if err := h.decode(msg.Payload, &req); err != nil {
			return err
		}
		return h.joinQueue(ctx, playerID, req)

	case MsgQueueLeave:
		if err := h.queue.Leave(ctx, playerID); err != nil {
			return err
		}
		h.hub.SendToPlayer(playerID, service.MsgQueueState, model.QueueState{Status: model.QueueLeft})
		return nil

	case MsgBotBattle:
		var req model.Preferences
		if err := h.decode(msg.Payload, &req); err != nil {
			return err
		}
		if err := h.queue.Leave(ctx, playerID); err != nil {
			h.log.WithPlayer(playerID).WithError(err).Warn("Queue leave before bot battle failed")
		}
		_, err := h.battles.StartBotBattle(ctx, playerID, req)
		return err

	case MsgSelectAction:
		var req ActionRequest
		if err := h.decode(msg.Payload, &req); err != nil {
			return err
		}
		return h.relay.Apply(ctx, service.BattleInput{
			PlayerID: playerID,
			Kind:     service.InputSelectAction,
			MatchID:  req.MatchID,
			Action:   req.Action,
		})

	case MsgSubmitAnswer:
		var req AnswerRequest
		if err := h.decode(msg.Payload, &req); err != nil {
			return err
		}
		return h.relay.Apply(ctx, service.BattleInput{
			PlayerID: playerID,
			Kind:     service.InputSubmitAnswer,
			MatchID:  req.MatchID,
			Answer:   req.Answer,
		})

	case MsgExitBattle:
		var req ExitRequest
		if err := h.decode(msg.Payload, &req); err != nil {
			return err
		}
		return h.relay.Apply(ctx, service.BattleInput{
			PlayerID: playerID,
			Kind:     service.InputExit,
			MatchID:  req.MatchID,
		})
	}
	return nil
}

func (h *Handler) decode(payload json.RawMessage, v interface{}) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, v); err != nil {
			return errors.New("malformed payload")
		}
	}
	if err := h.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

func (h *Handler) joinQueue(ctx context.Context, playerID string, prefs model.Preferences) error {
	profile, err := h.profiles.GetProfile(ctx, playerID)
	if err != nil {
		h.log.WithPlayer(playerID).WithError(err).Warn("Profile lookup failed, using defaults")
		profile = model.DefaultProfile(playerID)
	}

	entry := model.QueueEntry{
		PlayerID:    playerID,
		Rating:      profile.Rating,
		Level:       profile.Level,
		Preferences: prefs,
	}
	return h.queue.Join(ctx, entry, h.queueListener(playerID))
}

// queueListener forwards search updates to the player's socket
func (h *Handler) queueListener(playerID string) service.QueueListener {
	return func(ev service.QueueEvent) {
		if ev.Status == model.QueueMatched && ev.Match != nil {
			payload := service.MatchFoundPayload{MatchID: ev.Match.ID, Host: ev.Host}
			if ev.Opponent != nil {
				payload.Opponent = *ev.Opponent
			}
			h.hub.SendToPlayer(playerID, service.MsgMatchFound, payload)
			return
		}

		state := model.QueueState{Status: ev.Status}
		if ev.Err != nil {
			state.Message = ev.Err.Error()
		}
		h.hub.SendToPlayer(playerID, service.MsgQueueState, state)
	}
}

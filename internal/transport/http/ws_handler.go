package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trivia-duel-service/internal/app"
	"trivia-duel-service/internal/domain"
)

// Battles is the orchestrator surface used by the socket handler.
type Battles interface {
	Connect(id domain.Identity) error
	Disconnect(connID string) error
	EnterMatchmaking(connID string, req app.MatchRequest) error
	CancelMatchmaking(connID string) error
	SubmitAnswer(connID, answer string) error
}

// Inbound event names.
const (
	EventEnterMatchmaking  = "enter_matchmaking"
	EventSubmitAnswer      = "submit_answer"
	EventCancelMatchmaking = "cancel_matchmaking"
)

type WSHandler struct {
	battles  Battles
	hub      *Hub
	auth     *Authenticator
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(battles Battles, hub *Hub, auth *Authenticator, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		battles: battles,
		hub:     hub,
		auth:    auth,
		log:     log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type matchmakingPayload struct {
	Topic     string `json:"topic"`
	Test      bool   `json:"test"`
	StrictAPI bool   `json:"strictApi"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS authenticates the handshake, upgrades it and relays events between the socket and the orchestrator.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, displayName, err := h.auth.Identify(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := h.log.With().Str("conn", connID).Str("user", userID).Logger()
	send := h.hub.Register(connID)
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				// keep draining until Unregister closes the queue
				for range send {
				}
				return
			}
		}
	}()

	defer func() {
		if err := h.battles.Disconnect(connID); err != nil && !errors.Is(err, domain.ErrClosed) {
			log.Warn().Err(err).Msg("disconnect failed")
		}
		h.hub.Unregister(connID)
		<-writerDone
	}()

	if err := h.battles.Connect(domain.Identity{ConnID: connID, UserID: userID, DisplayName: displayName}); err != nil {
		h.hub.Send(connID, errorEvent(err.Error()))
		return
	}
	log.Debug().Msg("connected")

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := h.dispatch(connID, inbound); err != nil {
			h.hub.Send(connID, errorEvent(err.Error()))
			if errors.Is(err, domain.ErrClosed) {
				return
			}
		}
	}
}

func (h *WSHandler) dispatch(connID string, inbound inboundMessage) error {
	switch inbound.Type {
	case EventEnterMatchmaking:
		var p matchmakingPayload
		if len(inbound.Payload) > 0 {
			if err := json.Unmarshal(inbound.Payload, &p); err != nil {
				return errors.New("invalid enter_matchmaking payload")
			}
		}
		return h.battles.EnterMatchmaking(connID, app.MatchRequest{Topic: p.Topic, Practice: p.Test, Strict: p.StrictAPI})
	case EventSubmitAnswer:
		var p answerPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			return errors.New("invalid submit_answer payload")
		}
		return h.battles.SubmitAnswer(connID, p.Answer)
	case EventCancelMatchmaking:
		return h.battles.CancelMatchmaking(connID)
	}
	return errors.New("unsupported message type")
}

func errorEvent(msg string) domain.Event {
	return domain.Event{Type: domain.EventError, Payload: errorPayload{Message: msg}}
}

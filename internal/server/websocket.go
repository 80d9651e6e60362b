package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"

	"crash/internal/game"
	"crash/internal/logger"
)

// ClientMessage is every inbound websocket frame. ID is echoed in the reply so
// clients can match responses.
type ClientMessage struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	Token       string          `json:"token,omitempty"`
	Amount      int64           `json:"amount,omitempty"`
	AutoCashOut game.Multiplier `json:"auto_cashout,omitempty"`
}

// ServerMessage answers one ClientMessage. Round events are sent separately
// as game.Event values.
type ServerMessage struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

const (
	msgAuth     = "auth"
	msgPlaceBet = "place_bet"
	msgCashout  = "cashout"
	msgCancel   = "cancel_bet"
	msgPing     = "ping"
	msgPong     = "pong"
	msgError    = "error"
)

func (s *FiberServer) websocketHandler(conn *websocket.Conn) {
	ctx := context.Background()
	client := game.NewClient(conn, "")
	if token := conn.Query("token"); token != "" {
		if id, err := s.sessions.Validate(token); err == nil {
			client.SetUserID(id)
		}
	}

	go client.WritePump()
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	logger.Debug(ctx).Str("user_id", client.UserID()).Msg("[WS] New connection")

	if err := client.SendInitialState(s.engine.CurrentRound(), time.Now()); err != nil {
		logger.Debug(ctx).Err(err).Msg("[WS] initial state not sent")
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug(ctx).Err(err).Str("user_id", client.UserID()).Msg("[WS] Read error")
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		reply := s.handleClientMessage(ctx, client, data)
		if err := client.Send(reply); err != nil {
			logger.Debug(ctx).Err(err).Str("user_id", client.UserID()).Msg("[WS] reply dropped")
			return
		}
	}
}

// handleClientMessage runs one inbound frame against the engine.
func (s *FiberServer) handleClientMessage(ctx context.Context, client *game.Client, data []byte) ServerMessage {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{Type: msgError, Code: "invalid_message", Message: "message is not valid json"}
	}

	reply := ServerMessage{Type: msg.Type, ID: msg.ID}

	switch msg.Type {
	case msgPing:
		reply.Type, reply.Success = msgPong, true
		return reply

	case msgAuth:
		id, err := s.sessions.Validate(msg.Token)
		if err != nil {
			return failed(reply, game.ErrUnauthorized)
		}
		client.SetUserID(id)
		reply.Success = true
		reply.Data = map[string]string{"player_id": id}
		return reply

	case msgPlaceBet, msgCashout, msgCancel:
	default:
		reply.Type = msgError
		reply.Code, reply.Message = "unknown_message", "unknown message type"
		return reply
	}

	player := client.UserID()
	if player == "" {
		return failed(reply, game.ErrUnauthorized)
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch msg.Type {
	case msgPlaceBet:
		result, err = s.engine.PlaceBet(rctx, game.BetRequest{
			PlayerID:    player,
			Amount:      msg.Amount,
			AutoCashOut: msg.AutoCashOut,
		})
	case msgCashout:
		result, err = s.engine.CashOut(rctx, player)
	case msgCancel:
		result, err = s.engine.CancelBet(rctx, player)
	}
	if err != nil {
		return failed(reply, err)
	}
	reply.Success = true
	reply.Data = result
	return reply
}

func failed(reply ServerMessage, err error) ServerMessage {
	body := errorPayload(err)
	reply.Success = false
	reply.Code, reply.Message = body.Code, body.Message
	return reply
}

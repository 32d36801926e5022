package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/middleware"
	"github.com/mossy-p/skillswap-signaling/internal/models"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	relayOpTimeout = 5 * time.Second
	maxParticipant = 128
)

// Client is one websocket participant subscribed to a room on the relay.
type Client struct {
	ID     string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	release   relay.Release
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, roomID string) *Client {
	return &Client{
		ID:     id,
		RoomID: roomID,
		Send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// HandleSignaling handles WebSocket connections for WebRTC signaling
func (s *Server) HandleSignaling(c *gin.Context) {
	roomIdentifier := c.Param("roomId")
	if roomIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
		return
	}

	participant := c.Query("participant")
	if participant == "" {
		participant = uuid.NewString()
	}
	if len(participant) > maxParticipant {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant id too long"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), relayOpTimeout)
	defer cancel()

	room, err := s.resolveRoom(ctx, roomIdentifier)
	if err != nil {
		s.roomError(c, err)
		return
	}

	token := c.Query("token")
	if s.cfg.Relay.RoomTokenRequired || token != "" {
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Room token required"})
			return
		}
		if _, err := middleware.VerifyRoomToken(s.cfg.JWTSecret, token, room.ID); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, middleware.ErrRoomMismatch) {
				status = http.StatusForbidden
			}
			c.JSON(status, gin.H{"error": "Invalid room token"})
			return
		}
	}

	client := newClient(participant, room.ID)

	// Subscribe before upgrading so nothing published after the join
	// confirmation is missed.
	release, err := s.relay.Admit(ctx, room.ID, participant, room.MaxPlayers, client.deliver)
	if errors.Is(err, relay.ErrRoomFull) {
		logger.Info("refused %s: room %s is full (%d players)", participant, room.ID, room.MaxPlayers)
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
		return
	}
	if err != nil {
		logger.Error("relay join failed for %s in room %s: %v", participant, room.ID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Relay unavailable"})
		return
	}
	client.release = release

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection: %v", err)
		client.release()
		return
	}
	client.Conn = conn

	logger.Info("peer %s joined room %s (max %d players)", participant, room.ID, room.MaxPlayers)

	go s.writePump(client)
	s.publish(client, relay.KindJoin)
	go s.readPump(client)
}

// deliver queues a relayed message for the client's socket.
func (c *Client) deliver(m relay.Message) {
	c.sendMessage(models.SignalMessage{
		Type:    models.SignalType(m.Type),
		From:    m.From,
		To:      m.To,
		RoomID:  c.RoomID,
		Payload: m.Payload,
	})
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("failed to marshal %s for %s: %v", msg.Type, c.ID, err)
		return
	}

	select {
	case <-c.done:
	case c.Send <- data:
	default:
		logger.Warn("failed to send %s to peer %s, buffer full", msg.Type, c.ID)
	}
}

func (c *Client) sendError(text string) {
	c.sendMessage(models.SignalMessage{Type: models.SignalTypeError, RoomID: c.RoomID, Error: text})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// publish announces a presence change to the rest of the room.
func (s *Server) publish(c *Client, kind relay.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), relayOpTimeout)
	defer cancel()
	if err := s.relay.Send(ctx, c.RoomID, relay.Message{Type: kind, From: c.ID}); err != nil {
		logger.Warn("failed to announce %s of %s in room %s: %v", kind, c.ID, c.RoomID, err)
	}
}

func (s *Server) readPump(c *Client) {
	defer func() {
		c.close()
		// A newer connection of the same participant owns the membership.
		if !c.release() {
			logger.Info("peer %s replaced in room %s", c.ID, c.RoomID)
			return
		}
		s.publish(c, relay.KindLeave)
		logger.Info("peer %s left room %s", c.ID, c.RoomID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket error for %s: %v", c.ID, err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		if !msg.Type.IsNegotiation() {
			c.sendError("unsupported message type: " + string(msg.Type))
			continue
		}

		// The server is authoritative for the sender.
		out := relay.Message{
			Type:    relay.Kind(msg.Type),
			Payload: msg.Payload,
			From:    c.ID,
			To:      msg.To,
		}
		ctx, cancel := context.WithTimeout(context.Background(), relayOpTimeout)
		err = s.relay.Send(ctx, c.RoomID, out)
		cancel()
		if err != nil {
			logger.Warn("failed to relay %s from %s: %v", msg.Type, c.ID, err)
			c.sendError(err.Error())
		}
	}
}

func (s *Server) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	// The join confirmation always precedes relayed traffic.
	confirm := models.SignalMessage{Type: models.SignalTypeJoin, From: c.ID, RoomID: c.RoomID}
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteJSON(confirm); err != nil {
		logger.Warn("failed to confirm join for %s: %v", c.ID, err)
		return
	}

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn("failed to write message to %s: %v", c.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

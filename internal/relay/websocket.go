package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/models"
)

const (
	wsWriteWait   = 10 * time.Second
	wsJoinTimeout = 10 * time.Second
)

// WebSocket is a Relay client for the signaling server's /ws/signal/:roomId
// endpoint. Each joined (room, participant) pair owns one connection.
type WebSocket struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conns map[subKey]*wsConn
}

var _ Relay = (*WebSocket)(nil)

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket returns a client for the server at baseURL (ws:// or wss://,
// http(s) is converted). token is sent as the room token when non-empty.
func NewWebSocket(baseURL, token string) (*WebSocket, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid signaling URL: %s", baseURL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported signaling URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""

	return &WebSocket{
		baseURL: u.String(),
		token:   token,
		dialer:  websocket.DefaultDialer,
		conns:   make(map[subKey]*wsConn),
	}, nil
}

func (w *WebSocket) endpoint(room, participantID string) string {
	q := url.Values{}
	q.Set("participant", participantID)
	if w.token != "" {
		q.Set("token", w.token)
	}
	return fmt.Sprintf("%s/ws/signal/%s?%s", w.baseURL, url.PathEscape(room), q.Encode())
}

func (w *WebSocket) Join(ctx context.Context, room, participantID string, onMessage Handler) error {
	if err := validateJoin(room, participantID, onMessage); err != nil {
		return &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}

	conn, resp, err := w.dialer.DialContext(ctx, w.endpoint(room, participantID), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			err = fmt.Errorf("%w: %s", err, resp.Status)
		}
		return &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}

	// The server confirms the subscription with a join frame addressed to us.
	deadline := time.Now().Add(wsJoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	var first models.SignalMessage
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return &JoinError{Room: room, ParticipantID: participantID, Err: fmt.Errorf("await join confirmation: %w", err)}
	}
	if first.Type == models.SignalTypeError {
		conn.Close()
		return &JoinError{Room: room, ParticipantID: participantID, Err: errors.New(first.Error)}
	}
	if first.Type != models.SignalTypeJoin || first.From != participantID {
		conn.Close()
		return &JoinError{Room: room, ParticipantID: participantID, Err: fmt.Errorf("unexpected first frame %q", first.Type)}
	}
	conn.SetReadDeadline(time.Time{})

	c := &wsConn{conn: conn, done: make(chan struct{})}
	key := subKey{room, participantID}

	w.mu.Lock()
	old := w.conns[key]
	w.conns[key] = c
	w.mu.Unlock()

	if old != nil {
		old.close()
	}

	go c.readPump(room, participantID, onMessage)

	logger.Debug("websocket relay: %s joined room %s", participantID, room)
	return nil
}

func (w *WebSocket) Send(ctx context.Context, room string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	c := w.conns[subKey{room, msg.From}]
	w.mu.Unlock()
	if c == nil {
		return ErrNotJoined
	}

	frame := models.SignalMessage{
		Type:    models.SignalType(msg.Type),
		From:    msg.From,
		To:      msg.To,
		RoomID:  room,
		Payload: msg.Payload,
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("write %s to room %s: %w", msg.Type, room, err)
	}
	return nil
}

func (w *WebSocket) Leave(room, participantID string) error {
	key := subKey{room, participantID}

	w.mu.Lock()
	c := w.conns[key]
	delete(w.conns, key)
	w.mu.Unlock()

	if c != nil {
		c.close()
		logger.Debug("websocket relay: %s left room %s", participantID, room)
	}
	return nil
}

func (c *wsConn) readPump(room, self string, onMessage Handler) {
	defer c.close()

	for {
		var frame models.SignalMessage
		if err := c.conn.ReadJSON(&frame); err != nil {
			select {
			case <-c.done:
			default:
				logger.Warn("websocket relay: connection to room %s lost: %v", room, err)
			}
			return
		}

		if frame.Type == models.SignalTypeError {
			logger.Warn("websocket relay: server error in room %s: %s", room, frame.Error)
			continue
		}

		msg := Message{
			Type:    Kind(frame.Type),
			Payload: frame.Payload,
			From:    frame.From,
			To:      frame.To,
		}
		if !msg.deliverable(self) {
			continue
		}
		onMessage(msg)
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

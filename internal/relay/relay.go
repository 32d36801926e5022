// Package relay delivers signaling messages between participants that joined
// the same room. It never interprets payloads and never retries: delivery is
// at most once, ordered per sender, and only to participants subscribed at
// the time of the send.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the kind of a signaling message.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"

	// Presence kinds are emitted by the relay server, never by peers.
	KindJoin  Kind = "join"
	KindLeave Kind = "leave"
)

// Message is the unit carried by a Relay:
//
//	{"type": "offer", "payload": {...}, "from": "<participant-id>"}
type Message struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"` // empty: every other subscriber
}

// Handler receives messages published by other participants of a room.
type Handler func(Message)

// Relay is the signaling channel shared by the participants of a room.
type Relay interface {
	// Join subscribes participantID to room. onMessage is invoked
	// asynchronously for every message whose sender differs from
	// participantID. The subscription is live once Join returns nil.
	Join(ctx context.Context, room, participantID string, onMessage Handler) error

	// Send publishes msg to the current subscribers of room. Messages sent
	// while nobody else is subscribed are lost.
	Send(ctx context.Context, room string, msg Message) error

	// Leave unsubscribes participantID. It is safe to call repeatedly and
	// for participants that never joined.
	Leave(room, participantID string) error
}

// Release drops one admitted subscription and reports whether it was still
// the participant's current one. Once a later join of the same participant
// replaced it, releasing it leaves the room untouched.
type Release func() bool

// Presence is a Relay that also tracks who is in a room. The relay server
// uses it for capacity checks.
type Presence interface {
	Relay
	Count(ctx context.Context, room string) (int, error)

	// Admit joins participantID unless room already holds limit other
	// participants. The capacity check and the join are atomic. A limit of
	// zero or less admits everyone.
	Admit(ctx context.Context, room, participantID string, limit int, onMessage Handler) (Release, error)
}

var (
	ErrInvalidMessage = errors.New("invalid signaling message")
	ErrNotJoined      = errors.New("participant has not joined the room")
	ErrClosed         = errors.New("relay closed")
	ErrRoomFull       = errors.New("room is full")
)

// JoinError reports a failed subscription.
type JoinError struct {
	Room          string
	ParticipantID string
	Err           error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room %s as %s: %v", e.Room, e.ParticipantID, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// Validate checks the fields every relay requires before publishing.
func (m Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if len(m.Payload) > 0 && !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidMessage)
	}
	return nil
}

// deliverable reports whether a subscriber with id self should see m.
func (m Message) deliverable(self string) bool {
	if m.From == self {
		return false
	}
	return m.To == "" || m.To == self
}

func validateJoin(room, participantID string, onMessage Handler) error {
	switch {
	case room == "":
		return errors.New("empty room")
	case participantID == "":
		return errors.New("empty participant id")
	case onMessage == nil:
		return errors.New("nil message handler")
	}
	return nil
}

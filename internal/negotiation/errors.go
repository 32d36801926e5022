package negotiation

import (
	"errors"
	"fmt"

	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

var (
	ErrAlreadyStarted = errors.New("negotiation: already started")
	ErrClosed         = errors.New("negotiation: controller closed")
	ErrInvalidConfig  = errors.New("negotiation: invalid config")
)

// MediaAcquisitionError means no local capture is available. The session
// continues receive-only.
type MediaAcquisitionError struct {
	Err error
}

func (e *MediaAcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition failed: %v", e.Err)
}

func (e *MediaAcquisitionError) Unwrap() error { return e.Err }

// RelayJoinError means the signaling subscription could not be established.
// It is logged; the session keeps waiting for a peer.
type RelayJoinError struct {
	Err error
}

func (e *RelayJoinError) Error() string {
	return fmt.Sprintf("relay join failed: %v", e.Err)
}

func (e *RelayJoinError) Unwrap() error { return e.Err }

// NegotiationProtocolError describes a message that is invalid for the
// current state. Such messages are dropped without affecting the session.
type NegotiationProtocolError struct {
	Kind   relay.Kind
	From   string
	Reason string
}

func (e *NegotiationProtocolError) Error() string {
	return fmt.Sprintf("dropped %s from %s: %s", e.Kind, e.From, e.Reason)
}

// NegotiationError means the transport rejected a description operation.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransportError means the peer transport failed terminally.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/media"
)

// Transport is the peer-connection primitive the controller drives. It is
// implemented by peer.Conn over pion.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is called for each gathered local candidate and with
	// nil once gathering completes.
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnTrack(fn func(media.RemoteTrack))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	AddTrack(track *media.LocalTrack) error
	// AddReceiver negotiates a receive-only section for kind.
	AddReceiver(kind media.Kind) error

	Close() error
}

// TransportFactory creates a fresh transport for one session.
type TransportFactory func() (Transport, error)

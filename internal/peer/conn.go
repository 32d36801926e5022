// Package peer adapts a pion PeerConnection to the negotiation transport.
package peer

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/media"
	"github.com/mossy-p/skillswap-signaling/internal/negotiation"
)

// DefaultICEServers is used when no ICE servers are configured. No TURN:
// calls that need relaying fail with a transport error.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Options tunes the pion API shared by every Conn.
type Options struct {
	// Loopback restricts ICE to UDP4 and gathers loopback candidates so
	// peers on one host can connect without a network interface.
	Loopback bool
}

// NewAPI builds a pion API with the default codecs and interceptors, logging
// through pterm.
func NewAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{LoggerFactory: logger.PionFactory{}}
	if opts.Loopback {
		s.SetIncludeLoopbackCandidate(true)
		s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(s),
	), nil
}

// NewFactory returns a TransportFactory creating one Conn per session.
func NewFactory(api *webrtc.API, iceServers []string) negotiation.TransportFactory {
	return func() (negotiation.Transport, error) {
		return New(api, iceServers)
	}
}

// Conn wraps a single PeerConnection. Remote tracks are drained in the
// background so pion's buffers never fill.
type Conn struct {
	pc *webrtc.PeerConnection

	closeOnce sync.Once
	closeErr  error
}

var _ negotiation.Transport = (*Conn)(nil)

func New(api *webrtc.API, iceServers []string) (*Conn, error) {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &Conn{pc: pc}, nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// OnICECandidate registers fn for gathered candidates. nil marks the end of
// gathering.
func (c *Conn) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		fn(&init)
	})
}

func (c *Conn) OnTrack(fn func(media.RemoteTrack)) {
	c.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rt := &RemoteTrack{track: t}
		go rt.drain()
		fn(rt)
	})
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

// AddTrack attaches a local track and starts reading its RTCP so the
// interceptors keep working.
func (c *Conn) AddTrack(track *media.LocalTrack) error {
	local := track.Local()
	if local == nil {
		return fmt.Errorf("%s track %s has no pion track", track.Kind(), track.ID())
	}
	sender, err := c.pc.AddTrack(local)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Conn) AddReceiver(kind media.Kind) error {
	codec, err := codecType(kind)
	if err != nil {
		return err
	}
	_, err = c.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

// ConnectionState returns the current PeerConnection state.
func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

func codecType(kind media.Kind) (webrtc.RTPCodecType, error) {
	switch kind {
	case media.KindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case media.KindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("unknown media kind %q", kind)
}

// RemoteTrack is a received pion track.
type RemoteTrack struct {
	track   *webrtc.TrackRemote
	packets atomic.Uint64
}

var _ media.RemoteTrack = (*RemoteTrack)(nil)

func (t *RemoteTrack) ID() string { return t.track.ID() }
func (t *RemoteTrack) StreamID() string { return t.track.StreamID() }

func (t *RemoteTrack) Kind() media.Kind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return media.KindVideo
	}
	return media.KindAudio
}

// Packets counts RTP packets read so far.
func (t *RemoteTrack) Packets() uint64 { return t.packets.Load() }

func (t *RemoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("remote %s track %s: %v", t.Kind(), t.ID(), err)
			}
			return
		}
		t.packets.Add(1)
	}
}

// Package media models the local capture boundary of a session: streams of
// tracks that can be muted without renegotiation and stopped exactly once.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ReadyState mirrors the lifecycle of a capture track.
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no capture device")
	ErrTrackEnded       = errors.New("media: track ended")
)

// Constraints selects which kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local capture.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalTrack is one captured track. While disabled it drops samples, so the
// remote side observes a silent or frozen track instead of renegotiation.
type LocalTrack struct {
	kind  Kind
	track *webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	ended    atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

func NewLocalTrack(kind Kind, track *webrtc.TrackLocalStaticSample) *LocalTrack {
	t := &LocalTrack{
		kind:  kind,
		track: track,
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string {
	if t.track == nil {
		return string(t.kind)
	}
	return t.track.ID()
}

func (t *LocalTrack) Kind() Kind { return t.kind }

// Local returns the pion track to attach to a peer connection.
func (t *LocalTrack) Local() webrtc.TrackLocal {
	if t.track == nil {
		return nil
	}
	return t.track
}

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *LocalTrack) Done() <-chan struct{} { return t.done }

func (t *LocalTrack) ReadyState() ReadyState {
	if t.ended.Load() {
		return ReadyStateEnded
	}
	return ReadyStateLive
}

// Stop ends the track and releases its capture. Safe to call repeatedly.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.ended.Store(true)
		close(t.done)
	})
}

// WriteSample forwards a captured sample unless the track is disabled.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	if t.ended.Load() {
		return ErrTrackEnded
	}
	if !t.enabled.Load() || t.track == nil {
		return nil
	}
	return t.track.WriteSample(s)
}

// LocalStream groups the tracks returned by one acquisition.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

func (s *LocalStream) Tracks() []*LocalTrack {
	if s == nil {
		return nil
	}
	return append([]*LocalTrack(nil), s.tracks...)
}

// HasKind reports whether the stream carries a track of kind k.
func (s *LocalStream) HasKind(k Kind) bool {
	for _, t := range s.Tracks() {
		if t.Kind() == k {
			return true
		}
	}
	return false
}

// SetKindEnabled toggles every track of kind k.
func (s *LocalStream) SetKindEnabled(k Kind, on bool) {
	for _, t := range s.Tracks() {
		if t.Kind() == k {
			t.SetEnabled(on)
		}
	}
}

// Stop ends every track.
func (s *LocalStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// RemoteTrack is a track surfaced by the transport for the remote peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() Kind
}

// RemoteStream accumulates the tracks received from the peer.
type RemoteStream struct {
	mu       sync.RWMutex
	tracks   []RemoteTrack
	received time.Time
}

func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

func (s *RemoteStream) Add(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		s.received = time.Now()
	}
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}

// FirstReceived returns when the first remote track arrived.
func (s *RemoteStream) FirstReceived() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.received
}

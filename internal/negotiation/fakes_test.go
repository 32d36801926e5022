package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/media"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

const fakeCandidates = 2

// fakeTransport follows the offer/answer rules of a peer connection closely
// enough to drive the controller: it rejects an offer while holding its own,
// rejects candidates before a remote description, trickles candidates after
// each local description and surfaces a remote track once both descriptions
// are applied.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(media.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	added       []webrtc.ICECandidateInit
	remoteOffer int
	rollbacks   int
	tracks      []*media.LocalTrack
	receivers   []media.Kind
	closed      int
	connected   bool
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + f.name}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil || f.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + f.name}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	if desc.Type == webrtc.SDPTypeRollback {
		defer f.mu.Unlock()
		if f.local == nil || f.local.Type != webrtc.SDPTypeOffer {
			return errors.New("nothing to roll back")
		}
		f.local = nil
		f.rollbacks++
		return nil
	}
	f.local = &desc
	emit := f.onCandidate
	f.mu.Unlock()

	if emit != nil {
		go func() {
			for i := 0; i < fakeCandidates; i++ {
				emit(&webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", f.name, i)})
			}
			emit(nil)
		}()
	}
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && f.local != nil && f.local.Type == webrtc.SDPTypeOffer:
		f.mu.Unlock()
		return errors.New("remote offer in have-local-offer")
	case desc.Type == webrtc.SDPTypeAnswer && (f.local == nil || f.local.Type != webrtc.SDPTypeOffer):
		f.mu.Unlock()
		return errors.New("answer without local offer")
	}
	f.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		f.remoteOffer++
	}
	f.mu.Unlock()
	f.maybeConnect()
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) maybeConnect() {
	f.mu.Lock()
	if f.local == nil || f.remote == nil || f.connected {
		f.mu.Unlock()
		return
	}
	f.connected = true
	onTrack, onState := f.onTrack, f.onState
	f.mu.Unlock()

	go func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			onTrack(fakeRemoteTrack{id: "remote-" + f.name})
		}
	}()
}

// fireState reports a connection state change as the transport would.
func (f *fakeTransport) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnTrack(fn func(media.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) AddTrack(t *media.LocalTrack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
	return nil
}

func (f *fakeTransport) AddReceiver(kind media.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receivers = append(f.receivers, kind)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// transportState is a copy of what a fakeTransport has recorded.
type transportState struct {
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	added       []webrtc.ICECandidateInit
	remoteOffer int
	rollbacks   int
	tracks      []*media.LocalTrack
	receivers   []media.Kind
	closed      int
}

func (f *fakeTransport) state() transportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transportState{
		local:       f.local,
		remote:      f.remote,
		added:       append([]webrtc.ICECandidateInit(nil), f.added...),
		remoteOffer: f.remoteOffer,
		rollbacks:   f.rollbacks,
		tracks:      append([]*media.LocalTrack(nil), f.tracks...),
		receivers:   append([]media.Kind(nil), f.receivers...),
		closed:      f.closed,
	}
}

func (f *fakeTransport) factory() TransportFactory {
	return func() (Transport, error) { return f, nil }
}

type fakeRemoteTrack struct{ id string }

func (t fakeRemoteTrack) ID() string { return t.id }
func (t fakeRemoteTrack) StreamID() string { return "stream-" + t.id }
func (t fakeRemoteTrack) Kind() media.Kind { return media.KindVideo }

// failingSource denies capture.
type failingSource struct{}

func (failingSource) Acquire(context.Context, media.Constraints) (*media.LocalStream, error) {
	return nil, media.ErrPermissionDenied
}

// blockingSource waits for the acquisition context to end.
type blockingSource struct {
	started chan struct{}
}

func (s blockingSource) Acquire(ctx context.Context, _ media.Constraints) (*media.LocalStream, error) {
	close(s.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

// countingRelay counts the messages each participant sends.
type countingRelay struct {
	relay.Relay

	mu    sync.Mutex
	sends map[relay.Kind]int
}

func newCountingRelay(inner relay.Relay) *countingRelay {
	return &countingRelay{Relay: inner, sends: make(map[relay.Kind]int)}
}

func (r *countingRelay) Send(ctx context.Context, room string, msg relay.Message) error {
	r.mu.Lock()
	r.sends[msg.Type]++
	r.mu.Unlock()
	return r.Relay.Send(ctx, room, msg)
}

func (r *countingRelay) count(kind relay.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sends[kind]
}

func (r *countingRelay) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.sends {
		n += v
	}
	return n
}

// gatedRelay holds sends until release, then forwards them in order.
type gatedRelay struct {
	relay.Relay

	mu   sync.Mutex
	open bool
	held []relay.Message
	room string
}

func (r *gatedRelay) Send(ctx context.Context, room string, msg relay.Message) error {
	r.mu.Lock()
	if !r.open {
		r.room = room
		r.held = append(r.held, msg)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	return r.Relay.Send(ctx, room, msg)
}

func (r *gatedRelay) release(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	for _, msg := range r.held {
		if err := r.Relay.Send(context.Background(), r.room, msg); err != nil {
			t.Fatalf("release %s: %v", msg.Type, err)
		}
	}
	r.held = nil
}

func waitStatus(t *testing.T, c *Controller, want State) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if st, err := c.WaitFor(ctx, want); err != nil {
		t.Fatalf("%s: expected %s, still %s (err: %v)", c.ID(), want, st, c.Err())
	}
}

// eventually polls cond until it holds or fails the test.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Package negotiation drives one participant's side of a two-party call:
// local media, the offer/answer exchange over a relay, candidate trickling
// and teardown.
//
// All transport and relay events are serialized through a single event loop
// goroutine. Observable state is guarded by a mutex so the session page can
// read a consistent View at any time.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/media"
	"github.com/mossy-p/skillswap-signaling/internal/relay"
)

const (
	DefaultGracePeriod = 2 * time.Second

	eventQueueSize = 128
	sendTimeout    = 5 * time.Second
)

// Config describes one session.
type Config struct {
	Room          string
	ParticipantID string // generated when empty
	// GracePeriod is how long a participant waits for an incoming offer
	// before it offers itself.
	GracePeriod time.Duration
	Constraints media.Constraints
}

// View is a consistent snapshot of the controller's observable state.
type View struct {
	Status       State
	Peer         string
	LocalStream  *media.LocalStream
	RemoteStream *media.RemoteStream
	Err          error
	MediaErr     error
	RelayErr     error
}

// Controller is the per-session negotiation state machine. Create it with
// New, run it with Start and release it with Close.
type Controller struct {
	cfg   Config
	relay relay.Relay
	src   media.Source
	dial  TransportFactory

	// ctx lives until Close.
	ctx    context.Context
	cancel context.CancelFunc

	events   chan func()
	done     chan struct{}
	loopDone chan struct{}

	started   atomic.Bool
	lifecycle sync.Mutex // serializes Start and Close
	closeOnce sync.Once
	dropped   atomic.Int64

	micEnabled atomic.Bool
	camEnabled atomic.Bool

	// Owned by the event loop once it runs; by Start before that and by
	// Close after it exits.
	tr            Transport
	timer         *time.Timer
	offering      bool
	localOffer    webrtc.SessionDescription
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	mu       sync.RWMutex
	state    State
	changed  chan struct{}
	local    *media.LocalStream
	remote   *media.RemoteStream
	peer     string
	err      error
	mediaErr error
	relayErr error
}

// New validates cfg and returns an idle controller.
func New(cfg Config, rl relay.Relay, src media.Source, dial TransportFactory) (*Controller, error) {
	switch {
	case cfg.Room == "":
		return nil, fmt.Errorf("%w: empty room", ErrInvalidConfig)
	case rl == nil:
		return nil, fmt.Errorf("%w: nil relay", ErrInvalidConfig)
	case src == nil:
		return nil, fmt.Errorf("%w: nil media source", ErrInvalidConfig)
	case dial == nil:
		return nil, fmt.Errorf("%w: nil transport factory", ErrInvalidConfig)
	case cfg.GracePeriod < 0:
		return nil, fmt.Errorf("%w: negative grace period", ErrInvalidConfig)
	}
	if cfg.ParticipantID == "" {
		cfg.ParticipantID = uuid.NewString()
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg,
		relay:   rl,
		src:     src,
		dial:    dial,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan func(), eventQueueSize),
		done:    make(chan struct{}),
		state:   StateIdle,
		changed: make(chan struct{}),
	}
	c.micEnabled.Store(true)
	c.camEnabled.Store(true)
	return c, nil
}

func (c *Controller) ID() string { return c.cfg.ParticipantID }
func (c *Controller) Room() string { return c.cfg.Room }

// Start acquires local media, creates the transport, joins the relay and
// arms the offer timer. Media and relay failures are recorded and the
// session continues; transport creation failure moves the controller to
// Failed and is returned. Closing the controller aborts a pending media
// acquisition.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.isClosed() {
		return ErrClosed
	}

	logger.Info("session %s: starting as %s", c.cfg.Room, c.cfg.ParticipantID)

	acquireCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	c.setState(StateAcquiringMedia)
	local, err := c.src.Acquire(acquireCtx, c.cfg.Constraints)
	stop()
	cancel()
	if c.isClosed() {
		if local != nil {
			local.Stop()
		}
		return ErrClosed
	}
	if err != nil {
		merr := &MediaAcquisitionError{Err: err}
		logger.Warn("session %s: %v; continuing receive-only", c.cfg.Room, merr)
		c.mu.Lock()
		c.mediaErr = merr
		c.mu.Unlock()
		local = nil
	}
	if local != nil {
		c.mu.Lock()
		c.local = local
		c.mu.Unlock()
		// Toggles made before media arrived apply now.
		local.SetKindEnabled(media.KindAudio, c.micEnabled.Load())
		local.SetKindEnabled(media.KindVideo, c.camEnabled.Load())
	}

	tr, err := c.dial()
	if err != nil {
		terr := &TransportError{Op: "create", Err: err}
		c.fail(terr)
		return terr
	}
	c.tr = tr
	tr.OnICECandidate(func(cand *webrtc.ICECandidateInit) {
		if cand == nil {
			return
		}
		init := *cand
		c.enqueue(func() { c.sendCandidate(init) })
	})
	tr.OnTrack(func(t media.RemoteTrack) {
		c.enqueue(func() { c.handleTrack(t) })
	})
	tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.enqueue(func() { c.handleConnectionState(s) })
	})
	if err := c.attachMedia(local); err != nil {
		terr := &TransportError{Op: "attach media", Err: err}
		c.fail(terr)
		return terr
	}

	c.setState(StateNegotiating)
	c.loopDone = make(chan struct{})
	go c.loop()

	if err := c.relay.Join(c.ctx, c.cfg.Room, c.cfg.ParticipantID, c.onRelayMessage); err != nil {
		jerr := &RelayJoinError{Err: err}
		logger.Warn("session %s: %v", c.cfg.Room, jerr)
		c.mu.Lock()
		c.relayErr = jerr
		c.mu.Unlock()
	}

	c.enqueue(func() {
		c.timer = time.AfterFunc(c.cfg.GracePeriod, func() {
			c.enqueue(c.offerIfIdle)
		})
	})
	return nil
}

// attachMedia adds the local tracks and a receive-only section for every
// kind the participant does not send, so the peer's media still arrives.
func (c *Controller) attachMedia(local *media.LocalStream) error {
	for _, t := range local.Tracks() {
		if err := c.tr.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		if local.HasKind(kind) {
			continue
		}
		if err := c.tr.AddReceiver(kind); err != nil {
			return fmt.Errorf("add %s receiver: %w", kind, err)
		}
	}
	return nil
}

// Close releases every resource exactly once, in order: local tracks, the
// transport, the relay subscription. It may be called from any state and
// repeatedly; only the first call reports errors.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)

		c.lifecycle.Lock()
		defer c.lifecycle.Unlock()
		if c.loopDone != nil {
			<-c.loopDone
		}
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}

		var errs []error
		c.mu.RLock()
		local := c.local
		c.mu.RUnlock()
		local.Stop()

		if c.tr != nil {
			if cerr := c.tr.Close(); cerr != nil {
				errs = append(errs, &TransportError{Op: "close", Err: cerr})
			}
		}
		if lerr := c.relay.Leave(c.cfg.Room, c.cfg.ParticipantID); lerr != nil {
			errs = append(errs, fmt.Errorf("leave relay: %w", lerr))
		}

		c.setState(StateClosed)
		logger.Info("session %s: closed", c.cfg.Room)
		err = errors.Join(errs...)
	})
	return err
}

// SetMicEnabled toggles outgoing audio locally. It never renegotiates and
// sends nothing on the relay.
func (c *Controller) SetMicEnabled(on bool) {
	c.micEnabled.Store(on)
	c.LocalStream().SetKindEnabled(media.KindAudio, on)
}

// SetCamEnabled toggles outgoing video locally. It never renegotiates and
// sends nothing on the relay.
func (c *Controller) SetCamEnabled(on bool) {
	c.camEnabled.Store(on)
	c.LocalStream().SetKindEnabled(media.KindVideo, on)
}

func (c *Controller) MicEnabled() bool { return c.micEnabled.Load() }
func (c *Controller) CamEnabled() bool { return c.camEnabled.Load() }

func (c *Controller) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		Status:       c.state,
		Peer:         c.peer,
		LocalStream:  c.local,
		RemoteStream: c.remote,
		Err:          c.err,
		MediaErr:     c.mediaErr,
		RelayErr:     c.relayErr,
	}
}

func (c *Controller) Status() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the error that moved the controller to Failed.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Controller) LocalStream() *media.LocalStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// RemoteStream returns nil until the first remote track arrives.
func (c *Controller) RemoteStream() *media.RemoteStream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// Dropped counts relay messages discarded as invalid for the session state.
func (c *Controller) Dropped() int64 { return c.dropped.Load() }

// WaitFor blocks until the status is one of targets or ctx is done. It
// returns the last observed status.
func (c *Controller) WaitFor(ctx context.Context, targets ...State) (State, error) {
	for {
		c.mu.RLock()
		st, ch := c.state, c.changed
		c.mu.RUnlock()
		if slices.Contains(targets, st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

func (c *Controller) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	logger.Debug("session %s: %s -> %s", c.cfg.Room, prev, s)
}

// fail records err and moves to Failed unless already terminal.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.mu.Unlock()
	c.stopTieBreak()
	c.setState(StateFailed)
	logger.Error("session %s: %v", c.cfg.Room, err)
}

func (c *Controller) enqueue(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Controller) onRelayMessage(m relay.Message) {
	c.enqueue(func() { c.handleMessage(m) })
}

func (c *Controller) stopTieBreak() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// offerIfIdle runs when the grace period elapses without an incoming offer.
func (c *Controller) offerIfIdle() {
	c.timer = nil
	if c.Status() != StateNegotiating || c.offering || c.remoteDescSet {
		return
	}
	offer, err := c.tr.CreateOffer()
	if err != nil {
		c.fail(&NegotiationError{Op: "create offer", Err: err})
		return
	}
	if err := c.tr.SetLocalDescription(offer); err != nil {
		c.fail(&NegotiationError{Op: "set local offer", Err: err})
		return
	}
	c.offering = true
	c.localOffer = offer
	logger.Info("session %s: no offer within %s, offering", c.cfg.Room, c.cfg.GracePeriod)
	c.send(relay.KindOffer, offer)
}

func (c *Controller) handleMessage(m relay.Message) {
	switch st := c.Status(); st {
	case StateNegotiating, StateConnected:
	default:
		c.drop(m, "received while "+st.String())
		return
	}

	switch m.Type {
	case relay.KindOffer, relay.KindAnswer, relay.KindCandidate:
	default:
		logger.Debug("session %s: %s from %s", c.cfg.Room, m.Type, m.From)
		return
	}
	if !c.bindPeer(m.From) {
		c.drop(m, "sender is not the session peer")
		return
	}

	switch m.Type {
	case relay.KindOffer:
		c.handleOffer(m)
	case relay.KindAnswer:
		c.handleAnswer(m)
	case relay.KindCandidate:
		c.handleCandidate(m)
	}
}

// bindPeer binds the session to the first remote sender and reports whether
// from is that sender.
func (c *Controller) bindPeer(from string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == "" {
		c.peer = from
		logger.Info("session %s: peer is %s", c.cfg.Room, from)
	}
	return c.peer == from
}

func (c *Controller) handleOffer(m relay.Message) {
	if c.Status() == StateConnected || c.remoteDescSet {
		c.drop(m, "remote description already applied")
		return
	}
	desc, err := decodeDescription(m.Payload, webrtc.SDPTypeOffer)
	if err != nil {
		c.drop(m, err.Error())
		return
	}

	if c.offering {
		// Both sides offered. The smaller participant id keeps its offer;
		// the other side rolls back and answers.
		if c.cfg.ParticipantID < m.From {
			// A peer that joined after our offer went out never saw it.
			c.drop(m, "offer collision, local offer wins")
			c.send(relay.KindOffer, c.localOffer)
			return
		}
		logger.Info("session %s: offer collision, yielding to %s", c.cfg.Room, m.From)
		if err := c.tr.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			c.fail(&NegotiationError{Op: "roll back local offer", Err: err})
			return
		}
		c.offering = false
		c.localOffer = webrtc.SessionDescription{}
	}
	c.stopTieBreak()

	if err := c.tr.SetRemoteDescription(desc); err != nil {
		c.fail(&NegotiationError{Op: "set remote offer", Err: err})
		return
	}
	c.remoteDescSet = true
	c.flushPending()

	answer, err := c.tr.CreateAnswer()
	if err != nil {
		c.fail(&NegotiationError{Op: "create answer", Err: err})
		return
	}
	if err := c.tr.SetLocalDescription(answer); err != nil {
		c.fail(&NegotiationError{Op: "set local answer", Err: err})
		return
	}
	c.send(relay.KindAnswer, answer)
}

func (c *Controller) handleAnswer(m relay.Message) {
	if !c.offering || c.remoteDescSet {
		c.drop(m, "no local offer awaiting an answer")
		return
	}
	desc, err := decodeDescription(m.Payload, webrtc.SDPTypeAnswer)
	if err != nil {
		c.drop(m, err.Error())
		return
	}
	if err := c.tr.SetRemoteDescription(desc); err != nil {
		c.fail(&NegotiationError{Op: "set remote answer", Err: err})
		return
	}
	c.offering = false
	c.remoteDescSet = true
	c.flushPending()
}

func (c *Controller) handleCandidate(m relay.Message) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &cand); err != nil || cand.Candidate == "" {
		c.drop(m, "malformed candidate")
		return
	}
	if !c.remoteDescSet {
		c.pending = append(c.pending, cand)
		logger.Trace("session %s: queued candidate (%d pending)", c.cfg.Room, len(c.pending))
		return
	}
	if err := c.tr.AddICECandidate(cand); err != nil {
		logger.Warn("session %s: add candidate: %v", c.cfg.Room, err)
	}
}

// flushPending applies candidates that arrived before the remote
// description, in arrival order.
func (c *Controller) flushPending() {
	if len(c.pending) == 0 {
		return
	}
	logger.Debug("session %s: applying %d queued candidates", c.cfg.Room, len(c.pending))
	for _, cand := range c.pending {
		if err := c.tr.AddICECandidate(cand); err != nil {
			logger.Warn("session %s: add queued candidate: %v", c.cfg.Room, err)
		}
	}
	c.pending = nil
}

func (c *Controller) sendCandidate(cand webrtc.ICECandidateInit) {
	if st := c.Status(); st != StateNegotiating && st != StateConnected {
		return
	}
	c.send(relay.KindCandidate, cand)
}

func (c *Controller) handleTrack(t media.RemoteTrack) {
	if c.Status().Terminal() {
		return
	}
	c.mu.Lock()
	if c.remote == nil {
		c.remote = media.NewRemoteStream()
	}
	remote := c.remote
	c.mu.Unlock()
	remote.Add(t)
	logger.Info("session %s: remote %s track %s", c.cfg.Room, t.Kind(), t.ID())

	if c.Status() == StateNegotiating {
		c.setState(StateConnected)
	}
}

func (c *Controller) handleConnectionState(s webrtc.PeerConnectionState) {
	if c.Status().Terminal() {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateFailed:
		c.fail(&TransportError{Op: "connect", Err: fmt.Errorf("peer connection %s", s)})
	case webrtc.PeerConnectionStateDisconnected:
		logger.Warn("session %s: transport disconnected", c.cfg.Room)
	default:
		logger.Debug("session %s: transport %s", c.cfg.Room, s)
	}
}

func (c *Controller) send(kind relay.Kind, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("session %s: encode %s: %v", c.cfg.Room, kind, err)
		return
	}
	c.mu.RLock()
	to := c.peer
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	msg := relay.Message{Type: kind, Payload: payload, From: c.cfg.ParticipantID, To: to}
	if err := c.relay.Send(ctx, c.cfg.Room, msg); err != nil {
		logger.Warn("session %s: send %s: %v", c.cfg.Room, kind, err)
	}
}

func (c *Controller) drop(m relay.Message, reason string) {
	c.dropped.Add(1)
	logger.Warn("session %s: %v", c.cfg.Room, &NegotiationProtocolError{Kind: m.Type, From: m.From, Reason: reason})
}

func decodeDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, fmt.Errorf("malformed %s: %w", want, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("expected %s description, got %q", want, desc.Type)
	}
	return desc, nil
}

package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
)

const memoryQueueSize = 256

// Memory is an in-process Relay. Each subscriber owns a delivery goroutine
// fed by a bounded queue, so handlers run asynchronously and messages from
// one sender keep their send order.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*subscriber
	closed bool
}

var _ Presence = (*Memory)(nil)

type subscriber struct {
	id        string
	onMessage Handler
	queue     chan Message
	done      chan struct{}
	stopOnce  sync.Once
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]*subscriber)}
}

func (m *Memory) Join(ctx context.Context, room, participantID string, onMessage Handler) error {
	_, err := m.join(ctx, room, participantID, 0, onMessage)
	return err
}

func (m *Memory) Admit(ctx context.Context, room, participantID string, limit int, onMessage Handler) (Release, error) {
	s, err := m.join(ctx, room, participantID, limit, onMessage)
	if err != nil {
		return nil, err
	}
	return func() bool { return m.remove(room, s) }, nil
}

func (m *Memory) join(ctx context.Context, room, participantID string, limit int, onMessage Handler) (*subscriber, error) {
	if err := validateJoin(room, participantID, onMessage); err != nil {
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}

	s := &subscriber{
		id:        participantID,
		onMessage: onMessage,
		queue:     make(chan Message, memoryQueueSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: ErrClosed}
	}
	members := m.rooms[room]
	// A re-join replaces the previous subscription of the same participant
	// and does not count against the limit.
	old := members[participantID]
	if others := len(members); limit > 0 {
		if old != nil {
			others--
		}
		if others >= limit {
			m.mu.Unlock()
			return nil, &JoinError{Room: room, ParticipantID: participantID, Err: ErrRoomFull}
		}
	}
	if members == nil {
		members = make(map[string]*subscriber)
		m.rooms[room] = members
	}
	members[participantID] = s
	m.mu.Unlock()

	if old != nil {
		old.stop()
	}
	go s.run()

	logger.Debug("memory relay: %s joined room %s", participantID, room)
	return s, nil
}

func (m *Memory) Send(ctx context.Context, room string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	for _, s := range m.rooms[room] {
		if !msg.deliverable(s.id) {
			continue
		}
		select {
		case s.queue <- msg:
		default:
			logger.Warn("memory relay: queue full for %s in room %s, dropping %s", s.id, room, msg.Type)
		}
	}
	return nil
}

func (m *Memory) Leave(room, participantID string) error {
	m.mu.RLock()
	s := m.rooms[room][participantID]
	m.mu.RUnlock()

	if s != nil {
		m.remove(room, s)
	}
	return nil
}

// remove drops s if it is still the current subscription of its
// participant. s is stopped either way.
func (m *Memory) remove(room string, s *subscriber) bool {
	m.mu.Lock()
	current := m.rooms[room][s.id] == s
	if current {
		delete(m.rooms[room], s.id)
		if len(m.rooms[room]) == 0 {
			delete(m.rooms, room)
		}
	}
	m.mu.Unlock()

	s.stop()
	if current {
		logger.Debug("memory relay: %s left room %s", s.id, room)
	}
	return current
}

// Members returns the sorted participant ids currently subscribed to room.
func (m *Memory) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Memory) Count(_ context.Context, room string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[room]), nil
}

// Close drops every subscription. Later joins and sends fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]map[string]*subscriber)
	m.closed = true
	m.mu.Unlock()

	for _, members := range rooms {
		for _, s := range members {
			s.stop()
		}
	}
	return nil
}

func (s *subscriber) run() {
	for {
		select {
		case msg := <-s.queue:
			// select picks randomly when both are ready.
			select {
			case <-s.done:
				return
			default:
			}
			s.onMessage(msg)
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

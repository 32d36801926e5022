package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mossy-p/skillswap-signaling/internal/logger"
	"github.com/mossy-p/skillswap-signaling/internal/redis"
)

const (
	membershipTTL = 24 * time.Hour

	// Members not refreshed within memberStaleAfter are treated as gone, so
	// a crashed instance cannot hold rooms full.
	memberStaleAfter = 90 * time.Second
	memberRefresh    = 30 * time.Second

	redisOpTimeout = 5 * time.Second
)

// admitScript prunes stale members, then adds ARGV[1] unless the room
// already holds ARGV[4] other members.
//
// KEYS[1] member zset; ARGV: member, now ms, stale cutoff ms, limit, ttl s.
var admitScript = goredis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local limit = tonumber(ARGV[4])
if limit > 0 and not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	if redis.call('ZCARD', KEYS[1]) >= limit then
		return 0
	end
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Redis is a Relay backed by Redis pub/sub: one channel per room, plus a
// member zset per room scored by last refresh, so capacity checks work
// across server instances.
type Redis struct {
	client *goredis.Client

	staleAfter time.Duration
	refresh    time.Duration

	mu   sync.Mutex
	subs map[subKey]*redisSub
}

var _ Presence = (*Redis)(nil)

type subKey struct {
	room, participant string
}

type redisSub struct {
	key       subKey
	ps        *goredis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func NewRedis(client *goredis.Client) *Redis {
	return &Redis{
		client:     client,
		staleAfter: memberStaleAfter,
		refresh:    memberRefresh,
		subs:       make(map[subKey]*redisSub),
	}
}

func (r *Redis) Join(ctx context.Context, room, participantID string, onMessage Handler) error {
	_, err := r.join(ctx, room, participantID, 0, onMessage)
	return err
}

func (r *Redis) Admit(ctx context.Context, room, participantID string, limit int, onMessage Handler) (Release, error) {
	sub, err := r.join(ctx, room, participantID, limit, onMessage)
	if err != nil {
		return nil, err
	}
	return func() bool { return r.remove(sub) }, nil
}

func (r *Redis) join(ctx context.Context, room, participantID string, limit int, onMessage Handler) (*redisSub, error) {
	if err := validateJoin(room, participantID, onMessage); err != nil {
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}

	ps := r.client.Subscribe(ctx, redis.SignalChannel(room))
	// Wait for the subscription confirmation so messages published after
	// Join returns are guaranteed to reach us.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: err}
	}

	now := time.Now()
	admitted, err := admitScript.Run(ctx, r.client, []string{redis.PeersKey(room)},
		participantID,
		now.UnixMilli(),
		now.Add(-r.staleAfter).UnixMilli(),
		limit,
		int64(membershipTTL/time.Second),
	).Int()
	if err != nil {
		ps.Close()
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: fmt.Errorf("register member: %w", err)}
	}
	if admitted == 0 {
		ps.Close()
		return nil, &JoinError{Room: room, ParticipantID: participantID, Err: ErrRoomFull}
	}

	key := subKey{room, participantID}
	sub := &redisSub{key: key, ps: ps, done: make(chan struct{})}

	r.mu.Lock()
	old := r.subs[key]
	r.subs[key] = sub
	r.mu.Unlock()

	if old != nil {
		old.close()
	}

	go r.run(sub, onMessage)

	logger.Debug("redis relay: %s joined room %s", participantID, room)
	return sub, nil
}

func (r *Redis) Send(ctx context.Context, room string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal signaling message: %w", err)
	}
	if err := r.client.Publish(ctx, redis.SignalChannel(room), data).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", room, err)
	}
	return nil
}

func (r *Redis) Leave(room, participantID string) error {
	r.mu.Lock()
	sub := r.subs[subKey{room, participantID}]
	r.mu.Unlock()

	if sub != nil {
		r.remove(sub)
	}
	return nil
}

// remove drops sub and its membership if it is still the current
// subscription of its participant. sub is closed either way.
func (r *Redis) remove(sub *redisSub) bool {
	r.mu.Lock()
	current := r.subs[sub.key] == sub
	if current {
		delete(r.subs, sub.key)
	}
	r.mu.Unlock()

	sub.close()
	if !current {
		return false
	}

	room, participantID := sub.key.room, sub.key.participant
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.ZRem(ctx, redis.PeersKey(room), participantID).Err(); err != nil {
		logger.Warn("redis relay: failed to remove %s from room %s: %v", participantID, room, err)
	}

	logger.Debug("redis relay: %s left room %s", participantID, room)
	return true
}

// Close leaves every room joined through r.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSub, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.remove(sub)
	}
	return nil
}

// Members returns how many live participants are registered in room across
// all relay instances sharing the Redis server. Stale members are pruned
// first.
func (r *Redis) Members(ctx context.Context, room string) (int64, error) {
	key := redis.PeersKey(room)
	cutoff := strconv.FormatInt(time.Now().Add(-r.staleAfter).UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (r *Redis) Count(ctx context.Context, room string) (int, error) {
	n, err := r.Members(ctx, room)
	return int(n), err
}

// touch marks the member of sub as alive. XX keeps a pruned member out.
func (r *Redis) touch(sub *redisSub) {
	key := redis.PeersKey(sub.key.room)
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.ZAddXX(ctx, key, goredis.Z{Score: float64(time.Now().UnixMilli()), Member: sub.key.participant})
	pipe.Expire(ctx, key, membershipTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("redis relay: failed to refresh %s in room %s: %v", sub.key.participant, sub.key.room, err)
	}
}

func (r *Redis) run(sub *redisSub, onMessage Handler) {
	room, self := sub.key.room, sub.key.participant
	ch := sub.ps.Channel()
	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			select {
			case <-sub.done:
				return
			default:
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Warn("redis relay: undecodable message in room %s: %v", room, err)
				continue
			}
			if !msg.deliverable(self) {
				continue
			}
			onMessage(msg)
		case <-ticker.C:
			r.touch(sub)
		case <-sub.done:
			return
		}
	}
}

func (s *redisSub) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.ps.Close(); err != nil {
			logger.Debug("redis relay: pubsub close: %v", err)
		}
	})
}

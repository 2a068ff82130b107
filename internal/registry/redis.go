package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

const (
	roomChannelPrefix = "docsync:room:"
	membersKeyPrefix  = "docsync:members:"
)

// RedisFabric fans broadcasts out over one Redis channel per room and keeps
// room membership in one Redis set per room.
type RedisFabric struct {
	client *redis.Client
	log    logr.Logger

	mu       sync.Mutex
	ps       *redis.PubSub
	channels map[string]*redisChannel
	// pending counts SUBSCRIBE commands not yet confirmed, per channel.
	pending map[string]int
	closed  bool
}

func NewRedisFabric(redisURL string, log logr.Logger) (*RedisFabric, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFabricWithClient(client, log), nil
}

func NewRedisFabricWithClient(client *redis.Client, log logr.Logger) *RedisFabric {
	return &RedisFabric{
		client:   client,
		log:      log.WithName("redis-fabric"),
		channels: make(map[string]*redisChannel),
		pending:  make(map[string]int),
	}
}

func (f *RedisFabric) Publish(ctx context.Context, room string, msg []byte) error {
	if err := f.client.Publish(ctx, roomChannelPrefix+room, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", room, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so a publish
// issued after Subscribe returns is delivered. Every room of the fabric shares
// one pub/sub connection.
func (f *RedisFabric) Subscribe(ctx context.Context, room string, handler func([]byte)) (Subscription, error) {
	channel := roomChannelPrefix + room
	sub := &redisSubscription{fabric: f, channel: channel}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", room, redis.ErrClosed)
	}
	rc, ok := f.channels[channel]
	if !ok {
		rc = &redisChannel{handlers: make(map[*redisSubscription]func([]byte)), ready: make(chan struct{})}
		f.channels[channel] = rc
	}
	rc.handlers[sub] = handler
	ready := rc.ready
	if !ok {
		f.pending[channel]++
		if err := f.subscribeLocked(ctx, channel); err != nil {
			f.pending[channel]--
			delete(f.channels, channel)
			f.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", room, err)
		}
	}
	f.mu.Unlock()

	select {
	case <-ready:
		return sub, nil
	case <-ctx.Done():
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, ctx.Err())
	}
}

// subscribeLocked sends SUBSCRIBE on the shared connection, opening it and its
// dispatch loop on first use. f.mu must be held.
func (f *RedisFabric) subscribeLocked(ctx context.Context, channel string) error {
	if f.ps == nil {
		ps := f.client.Subscribe(ctx)
		if err := ps.Subscribe(ctx, channel); err != nil {
			_ = ps.Close()
			return err
		}
		f.ps = ps
		go f.dispatch(ps.ChannelWithSubscriptions())
		return nil
	}
	return f.ps.Subscribe(ctx, channel)
}

func (f *RedisFabric) dispatch(ch <-chan interface{}) {
	for v := range ch {
		switch msg := v.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				f.confirm(msg.Channel)
			}
		case *redis.Message:
			f.mu.Lock()
			var handlers []func([]byte)
			if rc, ok := f.channels[msg.Channel]; ok {
				handlers = make([]func([]byte), 0, len(rc.handlers))
				for _, h := range rc.handlers {
					handlers = append(handlers, h)
				}
			}
			f.mu.Unlock()
			for _, h := range handlers {
				h([]byte(msg.Payload))
			}
		}
	}
	f.log.V(2).Info("pub/sub connection closed")
}

// confirm marks a channel ready once Redis has acknowledged every SUBSCRIBE
// sent for it. Confirmations for channels resubscribed after a reconnect find
// nothing pending.
func (f *RedisFabric) confirm(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending[channel] > 0 {
		f.pending[channel]--
	}
	if f.pending[channel] > 0 {
		return
	}
	delete(f.pending, channel)
	if rc, ok := f.channels[channel]; ok && !rc.confirmed {
		rc.confirmed = true
		close(rc.ready)
	}
}

type redisChannel struct {
	handlers  map[*redisSubscription]func([]byte)
	ready     chan struct{}
	confirmed bool
}

type redisSubscription struct {
	fabric  *RedisFabric
	channel string
	once    sync.Once
}

// Close drops the handler and unsubscribes the channel once no handler is left.
func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		f := s.fabric
		f.mu.Lock()
		defer f.mu.Unlock()
		rc, ok := f.channels[s.channel]
		if !ok {
			return
		}
		delete(rc.handlers, s)
		if len(rc.handlers) > 0 {
			return
		}
		delete(f.channels, s.channel)
		if f.ps == nil || f.closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = f.ps.Unsubscribe(ctx, s.channel)
	})
	return err
}

func (f *RedisFabric) AddMember(ctx context.Context, room, connID string) error {
	if err := f.client.SAdd(ctx, membersKeyPrefix+room, connID).Err(); err != nil {
		return fmt.Errorf("add member %s: %w", room, err)
	}
	return nil
}

func (f *RedisFabric) RemoveMember(ctx context.Context, room, connID string) error {
	if err := f.client.SRem(ctx, membersKeyPrefix+room, connID).Err(); err != nil {
		return fmt.Errorf("remove member %s: %w", room, err)
	}
	return nil
}

func (f *RedisFabric) Members(ctx context.Context, room string) ([]string, error) {
	members, err := f.client.SMembers(ctx, membersKeyPrefix+room).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", room, err)
	}
	sort.Strings(members)
	return members, nil
}

func (f *RedisFabric) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFabric) Close() error {
	f.mu.Lock()
	f.closed = true
	ps := f.ps
	f.ps = nil
	f.mu.Unlock()

	var psErr error
	if ps != nil {
		psErr = ps.Close()
	}
	return errors.Join(psErr, f.client.Close())
}

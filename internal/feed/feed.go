// Package feed publishes committed row changes to realtime subscribers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Change types.
const (
	Insert = "INSERT"
	Update = "UPDATE"
)

// AdminChannel receives every event.
const AdminChannel = "feed:admin"

// UserChannel is the per-user channel name.
func UserChannel(userID string) string {
	return "feed:user:" + userID
}

// Event describes one committed row change.
type Event struct {
	Table  string    `json:"table"`
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	RowID  string    `json:"row_id"`
	At     time.Time `json:"at"`
}

// Publisher emits events after commit. Publishing is best effort.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Subscriber streams events published on channels until ctx ends or the
// returned cancel func is called.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}

func channelsFor(ev Event) []string {
	if ev.UserID == "" {
		return []string{AdminChannel}
	}
	return []string{UserChannel(ev.UserID), AdminChannel}
}

func stamp(ev Event) Event {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return ev
}

// RedisClient is the subset of cache.Redis used by the feed.
type RedisClient interface {
	Publish(ctx context.Context, channel string, value any) error
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Redis fans events out over Redis pub/sub so every instance sees them.
type Redis struct {
	client RedisClient
	logger *slog.Logger
}

// NewRedis constructs a Redis-backed feed.
func NewRedis(client RedisClient, logger *slog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With("component", "feed")}
}

func (r *Redis) Publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		ev = stamp(ev)
		for _, ch := range channelsFor(ev) {
			if err := r.client.Publish(ctx, ch, ev); err != nil {
				r.logger.Warn("publish event failed", "channel", ch, "table", ev.Table, "error", err)
			}
		}
	}
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("decode event failed", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	stop := func() {
		cancel()
		_ = ps.Close()
	}
	return out, stop, nil
}

// Hub is an in-process feed for single-instance deployments without Redis.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan Event]struct{}{}}
}

func (h *Hub) Publish(_ context.Context, events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range events {
		ev = stamp(ev)
		for _, ch := range channelsFor(ev) {
			for sub := range h.subs[ch] {
				select {
				case sub <- ev:
				default:
					// Slow subscriber; drop rather than block the writer.
				}
			}
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, channels ...string) (<-chan Event, func(), error) {
	sub := make(chan Event, 16)
	h.mu.Lock()
	for _, ch := range channels {
		if h.subs[ch] == nil {
			h.subs[ch] = map[chan Event]struct{}{}
		}
		h.subs[ch][sub] = struct{}{}
	}
	h.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			h.mu.Lock()
			for _, ch := range channels {
				delete(h.subs[ch], sub)
			}
			h.mu.Unlock()
			close(sub)
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return sub, stop, nil
}

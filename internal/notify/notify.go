package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"collections-dialer/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Kind classifies a notification.
type Kind string

const (
	KindQueueEmpty         Kind = "queue_empty"
	KindCampaignAutoPaused Kind = "campaign_auto_paused"
	KindStaleCall          Kind = "stale_call"
	KindStuckAccount       Kind = "stuck_account"
	KindSessionError       Kind = "session_error"

	// KindAdvanceRequested asks whichever process owns the agent session to pull
	// the next account now. It travels on its own channel.
	KindAdvanceRequested Kind = "advance_requested"
)

const (
	ChannelNotifications = "dialer:notifications"
	ChannelAdvance       = "dialer:advance"
)

type Event struct {
	Kind           Kind      `json:"kind"`
	CampaignID     string    `json:"campaign_id,omitempty"`
	AccountID      string    `json:"account_id,omitempty"`
	CallID         string    `json:"call_id,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher is fire-and-forget: delivery failures are logged, never returned.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

func channelFor(k Kind) string {
	if k == KindAdvanceRequested {
		return ChannelAdvance
	}
	return ChannelNotifications
}

// RedisPublisher fans events out over Redis pub/sub so every process (and the
// supervisor UI gateway) can observe them.
type RedisPublisher struct {
	rdb redis.Cmdable
	Now func() time.Time
}

func NewRedisPublisher(rdb redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, Now: time.Now}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = p.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		logger.From(ctx).Warn("notification marshal failed", "kind", e.Kind, "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, channelFor(e.Kind), b).Err(); err != nil {
		logger.From(ctx).Warn("notification publish failed", "kind", e.Kind, "campaign_id", e.CampaignID, "err", err)
	}
}

// Subscribe delivers events from channel to handle until ctx is done.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string, handle func(context.Context, Event)) error {
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed so no publish is missed after return.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				slog.Warn("notification decode failed", "channel", channel, "err", err)
				continue
			}
			handle(ctx, e)
		}
	}
}

// Recorder keeps published events in memory; used by tests and local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind were published.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

const (
	// DefaultChannel is the pub/sub channel events are published on.
	DefaultChannel = "auction-events"

	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
// Publish only enqueues; Run drains the queue in its own goroutine. When
// the queue is full the event is dropped.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	timeout time.Duration
	queue   chan model.Event
	dropped atomic.Uint64
}

// NewRedisPublisher creates a publisher. An empty channel uses DefaultChannel.
func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	return newRedisPublisher(rdb, channel, defaultQueueSize, defaultPublishTimeout)
}

func newRedisPublisher(rdb *redis.Client, channel string, size int, timeout time.Duration) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		timeout: timeout,
		queue:   make(chan model.Event, size),
	}
}

func (p *RedisPublisher) Publish(_ context.Context, ev model.Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues("redis").Inc()
		slog.Warn("event queue full, dropping", "channel", p.channel, "type", ev.Type, "id", ev.ID)
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (p *RedisPublisher) Dropped() uint64 { return p.dropped.Load() }

// Run delivers queued events until ctx is done. Must be called in a
// goroutine.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.send(ctx, ev)
		}
	}
}

func (p *RedisPublisher) send(ctx context.Context, ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event encode failed", "type", ev.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		slog.Warn("event publish failed", "channel", p.channel, "type", ev.Type, "err", err)
	}
}

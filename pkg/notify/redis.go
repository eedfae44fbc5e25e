// Package notify mirrors call notifications to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"border/pkg/common"
	blog "border/pkg/log"
	"border/pkg/metrics"
	"border/pkg/state"
)

// Defaults of the Redis mirror
const (
	DefaultChannelPrefix  = "border:events:"
	DefaultQueueSize      = 1024
	DefaultPublishTimeout = 2 * time.Second
)

// Publisher publishes a payload on a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig configures the Redis event mirror
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	ChannelPrefix  string
	QueueSize      int
	PublishTimeout time.Duration
}

type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *redisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

type queued struct {
	channel string
	payload []byte
}

// Mirror is a state.Sink that publishes every notification as JSON on
// prefix+service. Publish only enqueues; Run does the network work so the
// registry is never blocked by Redis.
type Mirror struct {
	publisher Publisher
	prefix    string
	timeout   time.Duration
	queue     chan queued
	dropped   atomic.Int64
	breaker   *common.CircuitBreaker
	logger    *zap.Logger
	events    *blog.Logger
}

// NewRedisMirror connects to Redis and returns a mirror publishing there.
func NewRedisMirror(ctx context.Context, config RedisConfig, logger *zap.Logger) (*Mirror, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	pub := &redisPublisher{client: client}

	pingCtx, cancel := common.QuickTimeout(ctx)
	defer cancel()
	if err := pub.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	logger.Info("Connected to Redis event mirror", zap.String("addr", config.Addr), zap.Int("db", config.DB))
	return NewMirror(pub, config, logger), nil
}

// NewMirror creates a mirror on top of pub.
func NewMirror(pub Publisher, config RedisConfig, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = DefaultChannelPrefix
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	logger = logger.With(zap.String("component", blog.ComponentNotify))
	return &Mirror{
		publisher: pub,
		prefix:    config.ChannelPrefix,
		timeout:   config.PublishTimeout,
		queue:     make(chan queued, config.QueueSize),
		breaker:   common.NewCircuitBreaker("redis_mirror", common.CircuitBreakerConfig{Component: blog.ComponentNotify}, logger),
		logger:    logger,
		events:    blog.Wrap(logger),
	}
}

// Channel returns the channel notifications of service are published on.
func (m *Mirror) Channel(service string) string {
	return m.prefix + service
}

// Publish implements state.Sink. Events are dropped when the queue is full.
func (m *Mirror) Publish(service string, ev state.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to encode event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	select {
	case m.queue <- queued{channel: m.Channel(service), payload: payload}:
	default:
		if m.dropped.Add(1)%100 == 1 {
			m.logger.Warn("Event mirror queue full, dropping events",
				zap.Int64("dropped", m.dropped.Load()))
		}
		metrics.RecordDeliveryFailure()
	}
}

// Dropped returns the number of events dropped on a full queue.
func (m *Mirror) Dropped() int64 {
	return m.dropped.Load()
}

// Run publishes queued events until ctx is done, then flushes what is left
// on a best effort basis.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case q := <-m.queue:
			m.publish(ctx, q)
		}
	}
}

func (m *Mirror) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	for {
		select {
		case q := <-m.queue:
			m.publish(ctx, q)
		default:
			return
		}
	}
}

func (m *Mirror) publish(ctx context.Context, q queued) {
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := common.EnsureTimeout(ctx, m.timeout)
		defer cancel()
		return m.publisher.Publish(ctx, q.channel, q.payload)
	})
	if err != nil {
		metrics.RecordDeliveryFailure()
		m.events.LogWatcherDelivery(ctx, "redis", q.channel, err)
	}
}

// Ping checks the connection, used by health checks.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.publisher.Ping(ctx)
}

// Close closes the underlying connection.
func (m *Mirror) Close() error {
	return m.publisher.Close()
}

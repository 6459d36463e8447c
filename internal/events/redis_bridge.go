package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// RedisConfig holds the connection settings for the Redis event bridge.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
	Channel  string
	// Buffer bounds the number of events waiting to be published.
	Buffer int
}

// Envelope is the wire format of an event published to Redis.
type Envelope struct {
	Kind  Kind            `json:"kind"`
	RunID string          `json:"run_id,omitempty"`
	Event json.RawMessage `json:"event"`
}

// Encode wraps an event into its wire envelope.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return json.Marshal(Envelope{Kind: e.Kind(), RunID: e.Run(), Event: payload})
}

// Decode parses a wire envelope back into a typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	switch env.Kind {
	case KindProgress:
		var e ProgressEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return nil, fmt.Errorf("unmarshal progress event: %w", err)
		}
		return e, nil
	case KindStage:
		var e StageEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return nil, fmt.Errorf("unmarshal stage event: %w", err)
		}
		return e, nil
	case KindRun:
		var e RunEvent
		if err := json.Unmarshal(env.Event, &e); err != nil {
			return nil, fmt.Errorf("unmarshal run event: %w", err)
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}

// RedisBridge republishes bus events on a Redis channel so processes outside
// the engine can observe runs.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *observability.Logger

	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRedisBridge connects to Redis and starts the publishing goroutine.
func NewRedisBridge(cfg RedisConfig, logger *observability.Logger) (*RedisBridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisBridge(client, cfg, logger), nil
}

func newRedisBridge(client *redis.Client, cfg RedisConfig, logger *observability.Logger) *RedisBridge {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pe:"
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "events"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}

	b := &RedisBridge{
		client:  client,
		channel: prefix + channel,
		logger:  logger.WithComponent("redis_bridge"),
		queue:   make(chan Event, buffer),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Channel returns the fully prefixed Redis channel name.
func (b *RedisBridge) Channel() string { return b.channel }

// Attach subscribes the bridge to bus. The returned function detaches it.
func (b *RedisBridge) Attach(bus *Bus) func() {
	return bus.Subscribe(b.Publish)
}

// Publish queues e for publication. Events are dropped when the queue is
// full so a slow Redis never stalls the engine.
func (b *RedisBridge) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		b.logger.Warn().Str("kind", string(e.Kind())).Msg("Redis bridge queue full, dropping event")
	}
}

func (b *RedisBridge) loop() {
	defer b.wg.Done()
	for e := range b.queue {
		data, err := Encode(e)
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to encode event")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
			b.logger.Warn().Err(err).Str("channel", b.channel).Msg("Redis publish failed")
		}
		cancel()
	}
}

// Subscribe streams events published on the bridge channel by any engine
// process. The returned function stops the subscription.
func (b *RedisBridge) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	ch := make(chan Event, 100)
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(ch)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				e, err := Decode([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("Dropping undecodable event")
					continue
				}
				select {
				case ch <- e:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return ch, unsubscribe, nil
}

// Close flushes queued events and closes the Redis connection.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}

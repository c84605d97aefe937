package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/choraleia/concierge/pkg/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RemoteEvent is an event that was emitted on another replica and relayed
// through Redis. It is re-emitted locally but never published again.
type RemoteEvent struct {
	Name string
	Data map[string]any
}

func (e RemoteEvent) EventName() string { return e.Name }

func (e RemoteEvent) ConversationKey() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

func (e RemoteEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Data)
}

type relayEnvelope struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// RedisRelay bridges the local emitter with other replicas over a Redis
// pub/sub channel so observers connected anywhere see every event.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	emitter *Emitter
	logger  *slog.Logger

	outbox chan relayEnvelope
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay on channel. emitter nil means the global emitter.
func NewRedisRelay(client *redis.Client, channel string, emitter *Emitter) *RedisRelay {
	if emitter == nil {
		emitter = Global()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		emitter: emitter,
		logger:  utils.GetLogger(),
		outbox:  make(chan relayEnvelope, 256),
	}
}

// Start subscribes to the channel and begins publishing local events. It
// returns once the subscription is confirmed; ctx cancellation stops the relay.
func (r *RedisRelay) Start(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}

	unsubscribe := r.emitter.OnAny(func(ev Event) {
		if _, remote := ev.(RemoteEvent); remote {
			return
		}
		env, err := r.encode(ev)
		if err != nil {
			r.logger.Warn("Failed to encode event for relay", "event", ev.EventName(), "error", err)
			return
		}
		select {
		case r.outbox <- env:
		default:
			r.logger.Warn("Relay outbox full, dropping event", "event", ev.EventName())
		}
	})

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()
		r.publishLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		defer sub.Close()
		r.receiveLoop(ctx, sub.Channel())
	}()

	r.logger.Info("Redis relay started", "channel", r.channel, "origin", r.origin)
	return nil
}

// Wait blocks until both relay loops have exited.
func (r *RedisRelay) Wait() {
	r.wg.Wait()
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-r.outbox:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
				r.logger.Warn("Relay publish failed", "event", env.Event, "error", err)
				continue
			}
			relayPublished.Inc()
		}
	}
}

func (r *RedisRelay) receiveLoop(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, ok := r.decode([]byte(msg.Payload))
			if !ok {
				continue
			}
			relayReceived.Inc()
			r.emitter.Emit(ev)
		}
	}
}

func (r *RedisRelay) encode(ev Event) (relayEnvelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return relayEnvelope{}, err
	}
	return relayEnvelope{Origin: r.origin, Event: ev.EventName(), Data: data}, nil
}

// decode returns false for malformed payloads and for our own publications.
func (r *RedisRelay) decode(payload []byte) (RemoteEvent, bool) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("Discarding malformed relay payload", "error", err)
		return RemoteEvent{}, false
	}
	if env.Origin == r.origin || env.Event == "" {
		return RemoteEvent{}, false
	}
	data := map[string]any{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return RemoteEvent{}, false
		}
	}
	return RemoteEvent{Name: env.Event, Data: data}, true
}

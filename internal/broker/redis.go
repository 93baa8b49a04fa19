package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "skybuild:events:"

// Publisher is what domain components publish through. The local
// Broker satisfies it directly; RedisFanout satisfies it for
// multi-process deployments.
type Publisher interface {
	Emit(channel, eventType string, data map[string]interface{}) *Event
	Publish(ev *Event)
}

var (
	_ Publisher = (*Broker)(nil)
	_ Publisher = (*RedisFanout)(nil)
)

// RedisFanout mirrors every published event onto a Redis Pub/Sub
// channel and replays events published by sibling processes into the
// local broker. Subscribers keep talking to the local broker; the
// fan-out is transparent to them.
type RedisFanout struct {
	local  *Broker
	rdb    *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisFanout connects to Redis and starts the inbound replay loop.
// The caller decides whether a connection failure is fatal or a reason
// to stay single-process.
func NewRedisFanout(local *Broker, addr, password string, db int) (*RedisFanout, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	f := &RedisFanout{
		local:  local,
		rdb:    rdb,
		pubsub: rdb.PSubscribe(loopCtx, redisChannelPrefix+"*"),
		cancel: loopCancel,
	}
	go f.replayLoop()

	slog.Info("redis event fan-out connected", "addr", addr, "db", db)
	return f, nil
}

func (f *RedisFanout) replayLoop() {
	for msg := range f.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			slog.Warn("dropping malformed fan-out event", "err", err)
			continue
		}
		if ev.Origin == f.local.Origin() {
			continue // our own echo
		}
		f.local.Publish(&ev)
	}
}

// Publish delivers locally and mirrors to Redis.
func (f *RedisFanout) Publish(ev *Event) {
	f.local.Publish(ev)
	payload, err := ev.JSON()
	if err != nil {
		slog.Warn("skipping fan-out publish", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.rdb.Publish(ctx, redisChannelPrefix+ev.Channel, payload).Err(); err != nil {
		slog.Warn("fan-out publish failed", "channel", ev.Channel, "err", err)
	}
}

// Emit builds an event and publishes it through the fan-out.
func (f *RedisFanout) Emit(channel, eventType string, data map[string]interface{}) *Event {
	ev := NewEvent(channel, eventType, data)
	ev.Origin = f.local.Origin()
	f.Publish(ev)
	return ev
}

// Subscribe delegates to the local broker.
func (f *RedisFanout) Subscribe(channel string) *Subscription {
	return f.local.Subscribe(channel)
}

// Close stops the replay loop and closes the Redis client.
func (f *RedisFanout) Close() error {
	f.cancel()
	f.pubsub.Close()
	return f.rdb.Close()
}

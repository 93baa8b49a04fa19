// Package broker is the in-process pub/sub fan-out for job progress,
// BoQ edits and export notifications. Channels are string-keyed
// ("jobs:<id>:events"); every subscriber gets its own bounded queue
// with drop-oldest overflow so one stalled SSE client never blocks
// publishers or starves its peers.
package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueueCap bounds each subscriber queue.
	DefaultQueueCap = 100
	// DefaultHeartbeat is the idle keep-alive interval.
	DefaultHeartbeat = 25 * time.Second

	heartbeatType = "heartbeat"
)

// Event is the envelope carried on every channel.
type Event struct {
	ID      string                 `json:"id"`
	Channel string                 `json:"channel"`
	Type    string                 `json:"type"`
	Ts      time.Time              `json:"ts"`
	Data    map[string]interface{} `json:"data,omitempty"`
	// Origin identifies the publishing process so a distributed
	// fan-out can skip its own echoes.
	Origin string `json:"origin,omitempty"`
}

// NewEvent builds an event envelope with a fresh ID and timestamp.
func NewEvent(channel, eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:      uuid.New().String(),
		Channel: channel,
		Type:    eventType,
		Ts:      time.Now().UTC(),
		Data:    data,
	}
}

// Heartbeat reports whether the event is a keep-alive rather than a
// domain event.
func (e *Event) Heartbeat() bool { return e.Type == heartbeatType }

// JSON serializes the envelope.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Subscription is one subscriber's bounded queue plus its heartbeat.
type Subscription struct {
	channel string
	broker  *Broker

	mu   sync.Mutex // serializes enqueue so drop-oldest stays atomic
	ch   chan *Event
	done chan struct{}
	once sync.Once
}

// Events is the receive side of the queue. It is closed by Close.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Close cancels the heartbeat, deregisters the queue and closes the
// event channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.remove(s.channel, s)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// push enqueues ev, evicting the oldest queued event when full. The
// newest event always lands.
func (s *Subscription) push(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
			select {
			case <-s.ch: // evict oldest
				if s.broker.onDrop != nil {
					s.broker.onDrop()
				}
			default:
			}
		}
	}
}

// pushIfRoom enqueues ev only when the queue has capacity. Heartbeats
// use this: a full queue already proves the connection has traffic.
func (s *Subscription) pushIfRoom(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Broker is the process-local channel registry.
type Broker struct {
	mu        sync.RWMutex
	subs      map[string][]*Subscription
	queueCap  int
	heartbeat time.Duration
	origin    string
	logger    *log.Logger
	onDrop    func()
	onSubs    func(delta int)
}

// Option tweaks broker construction.
type Option func(*Broker)

// WithQueueCap overrides the per-subscriber queue capacity.
func WithQueueCap(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// WithHeartbeat overrides the keep-alive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// WithDropHook installs a callback fired once per evicted event, used
// for metrics.
func WithDropHook(fn func()) Option {
	return func(b *Broker) { b.onDrop = fn }
}

// WithSubscriberHook installs a callback fired with +1/-1 as queues
// register and deregister.
func WithSubscriberHook(fn func(delta int)) Option {
	return func(b *Broker) { b.onSubs = fn }
}

// New creates an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		subs:      make(map[string][]*Subscription),
		queueCap:  DefaultQueueCap,
		heartbeat: DefaultHeartbeat,
		origin:    uuid.New().String(),
		logger:    log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this broker instance in distributed fan-out.
func (b *Broker) Origin() string { return b.origin }

// Subscribe registers a new bounded queue on channel and starts its
// heartbeat. The caller must Close the subscription when done.
func (b *Broker) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		channel: channel,
		broker:  b,
		ch:      make(chan *Event, b.queueCap),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	if b.onSubs != nil {
		b.onSubs(1)
	}

	go b.heartbeatLoop(sub)
	return sub
}

func (b *Broker) heartbeatLoop(sub *Subscription) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			hb := NewEvent(sub.channel, heartbeatType, nil)
			hb.Origin = b.origin
			sub.pushIfRoom(hb)
		}
	}
}

// Publish fans ev out to every live subscriber on its channel.
func (b *Broker) Publish(ev *Event) {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	b.mu.RLock()
	subs := b.subs[ev.Channel]
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.push(ev)
	}
}

// Emit builds an event and publishes it.
func (b *Broker) Emit(channel, eventType string, data map[string]interface{}) *Event {
	ev := NewEvent(channel, eventType, data)
	ev.Origin = b.origin
	b.Publish(ev)
	return ev
}

func (b *Broker) remove(channel string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	// Fresh slice: a concurrent Publish may still be ranging over the
	// old backing array.
	filtered := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		delete(b.subs, channel)
	} else {
		b.subs[channel] = filtered
	}
	if b.onSubs != nil && len(filtered) < len(subs) {
		b.onSubs(-1)
	}
}

// SubscriberCount reports the number of live queues on channel.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

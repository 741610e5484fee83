package bridges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oneiric-dev/oneiric/internal/candidate"
	"github.com/oneiric-dev/oneiric/internal/onerr"
)

// Event is one published message.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Published time.Time `json:"published"`
}

// Filter decides whether a subscriber should receive an Event.
type Filter func(Event) bool

// TopicFilter is the common case: match one topic exactly.
func TopicFilter(topic string) Filter {
	return func(e Event) bool { return e.Topic == topic }
}

type subscriber struct {
	filter Filter
	ch     chan Event
}

// EventBridge exposes publish(topic, payload)/subscribe(filter), a
// fan-out with per-subscriber retries (spec.md §4.7). Long-lived
// external subscribers attach over a websocket upgrade; in-process
// subscribers use Subscribe directly.
type EventBridge struct {
	base
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
}

// BuildEvent constructs an EventBridge from a Builder.
func (b *Builder) BuildEvent() *EventBridge {
	bb := b.toBase()
	bb.domain = candidate.DomainEvent
	return &EventBridge{
		base:        bb,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		subscribers: make(map[int64]*subscriber),
	}
}

// Publish fans an event out to every matching subscriber. A full
// subscriber channel is retried a few times with backoff before that
// subscriber is skipped, so one slow reader cannot block the others.
func (e *EventBridge) Publish(ctx context.Context, topic string, payload any) error {
	if err := e.checkActivity(ctx, topic); err != nil {
		return err
	}
	ev := Event{Topic: topic, Payload: payload, Published: time.Now()}

	e.mu.RLock()
	targets := make([]*subscriber, 0, len(e.subscribers))
	for _, s := range e.subscribers {
		if s.filter(ev) {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	for _, s := range targets {
		deliverWithRetry(ctx, s.ch, ev)
	}
	return nil
}

func deliverWithRetry(ctx context.Context, ch chan Event, ev Event) {
	const maxAttempts = 3
	delay := 10 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Subscribe registers an in-process subscriber matching filter,
// returning a channel of matching events and an unsubscribe function.
func (e *EventBridge) Subscribe(filter Filter) (<-chan Event, func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	ch := make(chan Event, 32)
	e.subscribers[id] = &subscriber{filter: filter, ch: ch}
	e.mu.Unlock()

	return ch, func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
		close(ch)
	}
}

// ServeSubscription upgrades an HTTP request to a websocket connection
// and streams every event matching filter until the client disconnects,
// the external-facing counterpart of Subscribe.
func (e *EventBridge) ServeSubscription(w http.ResponseWriter, r *http.Request, filter Filter) error {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return onerr.Wrap(onerr.KindInternal, "upgrade event subscription", err)
	}
	defer conn.Close()

	ch, unsubscribe := e.Subscribe(filter)
	defer unsubscribe()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("write subscription message: %w", err)
		}
	}
	return nil
}

// Package events implements the in-process publish/subscribe bus the monitor announces liveness changes on.
// Handlers run synchronously on the publishing goroutine, after the bus lock is released.
package events

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Handler receives a published event. The event name is passed so one handler can serve several events.
type Handler func(event string, payload any)

// Publisher is anything events can be handed to, e.g. the Bus or a network fan-out.
type Publisher interface {
	Publish(event string, payload any) error
}

type subscription struct {
	id      uint64
	event   string // empty for catch-all subscriptions
	handler Handler
}

type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

var _ Publisher = (*Bus)(nil)

func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscription),
	}
}

// Subscribe registers h for a single event name. The returned function removes the subscription.
func (b *Bus) Subscribe(event string, h Handler) (unsubscribe func()) {
	if event == "" {
		log.Errorf("events.Subscribe: empty event name, use SubscribeAll")
		return func() {}
	}
	return b.subscribe(event, h)
}

// SubscribeAll registers h for every event published on the bus.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	b.subs[id] = &subscription{id: id, event: event, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers payload to every matching subscriber in subscription order.
// A panicking handler is logged and does not prevent delivery to the others.
func (b *Bus) Publish(event string, payload any) error {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.event == "" || s.event == event {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })

	for _, s := range matched {
		deliver(s, event, payload)
	}

	return nil
}

func deliver(s *subscription, event string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("events: handler for %s panicked: %v", event, r)
		}
	}()
	s.handler(event, payload)
}

// Forward returns a catch-all handler that republishes every event to p.
func Forward(p Publisher) Handler {
	return func(event string, payload any) {
		if err := p.Publish(event, payload); err != nil {
			log.Errorf("events: failed to forward %s: %v", event, err)
		}
	}
}

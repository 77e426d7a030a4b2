// Package bus implements the in-process event bus used to fan out vehicle
// state changes to accessories.
//
// Delivery is synchronous: Publish returns once every handler registered on
// the topic has run. Handlers are isolated from each other; an error or a
// panic in one handler is logged and does not stop delivery to the rest.
// There is no replay. A handler registered after an event was published will
// not see it, consumers that need the current value must read it from the
// telemetry store.
package bus

import (
	"fmt"
	"sync"

	"github.com/juju/loggo"
	"github.com/pkg/errors"
)

var log = loggo.GetLogger("evsc.bus")

// Topic names an event and fixes the type of its payload.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

func (t Topic[T]) String() string { return t.name }

type handlerFunc func(payload any) error

type Subscription struct {
	id      uint64
	topic   string
	handler handlerFunc
	bus     *Bus
}

func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the handler from the bus. It is safe to call more than
// once and from inside a handler.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// FailureHook is called every time a handler returns an error or panics.
type FailureHook func(topic string, err error)

type Option func(*Bus)

func WithFailureHook(hook FailureHook) Option {
	return func(b *Bus) {
		b.onFailure = hook
	}
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*Subscription
	nextID uint64

	onFailure FailureHook
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs: map[string][]*Subscription{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn on topic. Handlers run in registration order.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T) error) *Subscription {
	handler := func(payload any) error {
		val, ok := payload.(T)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", payload)
		}
		return fn(val)
	}
	return b.add(topic.name, handler)
}

// SubscribeName registers fn on the topic called name, whatever its payload
// type.
func (b *Bus) SubscribeName(name string, fn func(payload any) error) *Subscription {
	return b.add(name, fn)
}

// Publish delivers payload to every handler currently registered on topic
// and returns the number of handlers that completed without error.
func Publish[T any](b *Bus, topic Topic[T], payload T) int {
	return b.publish(topic.name, payload)
}

// Subscribers returns the number of handlers registered on a topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) add(topic string, handler handlerFunc) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		topic:   topic,
		handler: handler,
		bus:     b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	log.Tracef("subscription %d added on %s", sub.id, topic)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		// Publish may be iterating over the old slice, so build a new one.
		pruned := make([]*Subscription, 0, len(subs)-1)
		pruned = append(pruned, subs[:i]...)
		pruned = append(pruned, subs[i+1:]...)
		if len(pruned) == 0 {
			delete(b.subs, sub.topic)
		} else {
			b.subs[sub.topic] = pruned
		}
		return
	}
}

func (b *Bus) publish(topic string, payload any) int {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	var delivered int
	for _, sub := range subs {
		if err := b.deliver(sub, payload); err != nil {
			log.Errorf("handler %d failed on %s: %q", sub.id, topic, err)
			if b.onFailure != nil {
				b.onFailure(topic, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (b *Bus) deliver(sub *Subscription, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(payload)
}

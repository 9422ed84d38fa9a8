package sandbox

import "sync"

// Bus is a topic-keyed publish/subscribe fan-out. Every Container Actor,
// Console Actor, and the turn reducer's action executor publishes onto
// it; presentation-layer collaborators subscribe to translate events
// into their own wire protocol.
//
// Delivery is best-effort and at-most-once per subscription: a slow
// subscriber drops events rather than blocking the publisher.
//
// Events published by a single actor arrive in publication order at
// each subscriber; the Bus never reorders within one Publish call chain
// because Publish itself does not block on delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	seq  uint64
}

type subscription struct {
	id  uint64
	ch  chan Event
	bus *Bus
}

// subscriptionBufferSize bounds how many undelivered events queue per
// subscriber before new ones are dropped.
const subscriptionBufferSize = 256

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

// Subscription is a handle returned by Subscribe. Call Close to stop
// receiving events and release the channel.
type Subscription struct {
	topic string
	sub   *subscription
}

// Events returns the channel of events delivered to this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.sub.ch
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.sub.bus.unsubscribe(s.topic, s.sub.id)
}

// Subscribe registers interest in a topic (e.g. "track:42",
// "container:7", "workspace:3") and returns a handle whose Events()
// channel receives every Event published to that topic from here on.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &subscription{
		id:  b.seq,
		ch:  make(chan Event, subscriptionBufferSize),
		bus: b,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return &Subscription{topic: topic, sub: sub}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			close(s.ch)
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber of every topic ev.Topics()
// names. Delivery never blocks: a subscriber whose buffer is full
// simply misses this event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, topic := range ev.Topics() {
		if topic == "" {
			continue
		}
		for _, sub := range b.subs[topic] {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

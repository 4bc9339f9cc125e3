package events

import "sync"

// Published is one delivered event with its topic, as seen by wildcard
// subscribers.
type Published struct {
	Event   Event
	Payload any
}

// Bus is a small channel-based pub/sub broker. Publishing never blocks:
// a subscriber that cannot keep up loses events rather than stalling the
// execution path.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
	all  []chan Published
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for one topic. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs[e] {
			if c == ch {
				close(c)
				b.subs[e] = append(b.subs[e][:i], b.subs[e][i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a wildcard listener that receives every topic.
// The websocket event stream uses this to relay the whole feed.
func (b *Bus) SubscribeAll(buffer int) (<-chan Published, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Published, buffer)
	b.all = append(b.all, ch)

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.all {
			if c == ch {
				close(c)
				b.all = append(b.all[:i], b.all[i+1:]...)
				return
			}
		}
	}
}

// Publish fans the payload out to topic and wildcard subscribers without
// blocking; slow subscribers miss the event.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- Published{Event: e, Payload: payload}:
		default:
		}
	}
}

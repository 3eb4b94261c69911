// Package progress broadcasts request snapshots to any number of observers.
package progress

import (
	"log/slog"
	"sync"

	"github.com/ashureev/cloudcoap/internal/domain"
)

// EventType identifies the payload of an Event.
type EventType string

const (
	EventReset    EventType = "reset"
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventBusy     EventType = "busy"
)

// Event is one value of the broadcast.
type Event struct {
	Type     EventType        `json:"type"`
	Progress *domain.Progress `json:"progress,omitempty"`
	Outcome  *domain.Outcome  `json:"outcome,omitempty"`
	Message  string           `json:"message,omitempty"`
}

const defaultQueueSize = 16

// Broadcaster holds the latest event in a single slot and notifies every
// subscriber of each replacement. Subscribers that fall behind lose their
// oldest queued events, never the latest one.
type Broadcaster struct {
	mu     sync.Mutex
	latest Event
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster creates a broadcaster holding a reset event.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		latest: Event{Type: EventReset},
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Reset clears the slot, signalling that a new request starts.
func (b *Broadcaster) Reset() {
	b.publish(Event{Type: EventReset}, true)
}

// PublishProgress replaces the slot with a snapshot.
func (b *Broadcaster) PublishProgress(p domain.Progress) {
	b.publish(Event{Type: EventProgress, Progress: &p}, true)
}

// PublishOutcome replaces the slot with a terminal outcome.
func (b *Broadcaster) PublishOutcome(o domain.Outcome) {
	b.publish(Event{Type: EventResult, Outcome: &o}, true)
}

// Busy notifies subscribers that a request was rejected. The slot keeps
// the previous value.
func (b *Broadcaster) Busy(message string) {
	b.publish(Event{Type: EventBusy, Message: message}, false)
}

// Latest returns the current slot value.
func (b *Broadcaster) Latest() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe attaches a subscriber. The current slot value is delivered
// immediately. The returned cancel func detaches and closes the channel.
func (b *Broadcaster) Subscribe(queueSize int) (<-chan Event, func()) {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sub := &subscriber{ch: make(chan Event, queueSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	sub.ch <- b.latest
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Close detaches all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

func (b *Broadcaster) publish(ev Event, replace bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if replace {
		b.latest = ev
	}
	for sub := range b.subs {
		b.deliver(sub, ev)
	}
}

// deliver never blocks. A full queue drops its oldest event.
func (b *Broadcaster) deliver(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
		b.logger.Debug("Progress subscriber behind, dropped oldest event")
	default:
	}

	select {
	case sub.ch <- ev:
	default:
		b.logger.Warn("Failed to queue progress event", "type", ev.Type)
	}
}

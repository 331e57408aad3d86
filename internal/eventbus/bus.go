// Package eventbus is an in-process fan-out of small domain events
// (opt-ins, opt-outs, finished broadcasts) to loosely coupled listeners.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeOptInAdded        = "optin.added"
	TypeOptInRemoved      = "optin.removed"
	TypeBroadcastFinished = "broadcast.finished"
)

// Event is delivered to every subscriber. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// OptIn is the Data of optin.added and optin.removed.
type OptIn struct {
	ChatID int64
	UserID int64
	Name   string
}

// BroadcastFinished is the Data of broadcast.finished.
type BroadcastFinished struct {
	RunID     string
	ChatID    int64
	Trigger   string // command | schedule
	Batches   int
	Sent      int
	Failed    int
	Mentioned int
	Took      time.Duration
	Err       string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything; Subscribe returns a channel that never fires.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe cannot close a
	// channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped on full buffers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	return make(chan Event), func() {}
}

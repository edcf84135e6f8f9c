// Package eventbus is the in-process fanout between the ledger, the
// automation runner and the task engine.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeAccountChanged = "account.changed" // chain.AccountChange
	TypeTxCommitted    = "tx.committed"    // chain.Receipt
	TypeTxFailed       = "tx.failed"       // chain.Receipt

	TypeThreadCreated = "thread.created" // automation.ThreadEvent
	TypeThreadDeleted = "thread.deleted" // automation.ThreadEvent
	TypeThreadPaused  = "thread.paused"  // automation.ThreadEvent
	TypeThreadResumed = "thread.resumed" // automation.ThreadEvent

	TypeTaskStarted  = "task.started" // engine.TaskEvent
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"
)

// Event is delivered by value to every matching subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a buffered channel receiving events whose type is
	// within one of the dotted namespaces in types ("thread" matches
	// "thread.created"). No types means every event.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s *subscriber) wants(e Event) bool {
	if len(s.types) == 0 {
		return true
	}
	for _, p := range s.types {
		if HasPrefix(e, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	// Publish holds the read lock across its non-blocking sends, so an
	// unsubscribe (write lock) never closes a channel mid-send.
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), types: append([]string(nil), types...)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries lost to full subscriber buffers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// HasPrefix reports whether e.Type is prefix or lies under "prefix.".
func HasPrefix(e Event, prefix string) bool {
	return e.Type == prefix || strings.HasPrefix(e.Type, prefix+".")
}

package ledger

import (
	"context"
	"sync"
)

// =============================================================================
// FEED - Snapshot fan-out shared by store implementations
// =============================================================================

// Feed broadcasts snapshots to every open Changes() stream.
//
// Publish blocks until each live subscriber has accepted the snapshot or
// gone away; dropping would break eventual consistency, since a lost
// snapshot is never re-sent.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	buffer int
}

type subscriber struct {
	ch   chan Snapshot
	done <-chan struct{}
}

// NewFeed creates a feed whose subscriber channels have the given buffer.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 64
	}
	return &Feed{subs: make(map[int]*subscriber), buffer: buffer}
}

// Subscribe opens a stream that is closed when ctx is done.
func (f *Feed) Subscribe(ctx context.Context) <-chan Snapshot {
	sub := &subscriber{ch: make(chan Snapshot, f.buffer), done: ctx.Done()}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch
}

// Publish delivers s to all subscribers.
func (f *Feed) Publish(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub.ch <- s:
		case <-sub.done:
		}
	}
}

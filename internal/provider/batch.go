package provider

import (
	"context"
	"sync"
	"time"

	"grimm.is/outpost/internal/protocol"
)

// batch is the append-only event log of one command batch. Followers
// replay it from the start and then receive live events.
type batch struct {
	id         string
	activityID string

	mu      sync.Mutex
	events  []protocol.RuntimeEvent
	results []protocol.CommandResult
	done    bool
	changed chan struct{}
}

func newBatch(id, activityID string) *batch {
	return &batch{id: id, activityID: activityID, changed: make(chan struct{})}
}

func (b *batch) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *batch) emit(ev protocol.RuntimeEvent) {
	ev.BatchID = b.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.events = append(b.events, ev)
	b.broadcast()
}

func (b *batch) finish(results []protocol.CommandResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.results = results
	b.done = true
	b.broadcast()
}

// follow calls send for every event in order and returns nil after the
// last one. It stops early when send fails or ctx is done.
func (b *batch) follow(ctx context.Context, send func(protocol.RuntimeEvent) error) error {
	next := 0
	for {
		b.mu.Lock()
		pending := b.events[next:]
		done := b.done
		changed := b.changed
		b.mu.Unlock()

		for _, ev := range pending {
			if err := send(ev); err != nil {
				return err
			}
		}
		next += len(pending)
		if done && len(pending) == 0 {
			return nil
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// wait blocks until the batch has finished and returns its results.
func (b *batch) wait(ctx context.Context) (protocol.BatchResult, error) {
	for {
		b.mu.Lock()
		done, changed := b.done, b.changed
		res := protocol.BatchResult{BatchID: b.id, Results: b.results}
		b.mu.Unlock()
		if done {
			return res, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return protocol.BatchResult{}, ctx.Err()
		}
	}
}

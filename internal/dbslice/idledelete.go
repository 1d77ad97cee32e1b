package dbslice

import (
	"sync"

	"github.com/jorge882/dragonfly/internal/common"
)

// idleDeleteQueue defers freeing bulky Set/Hash values to idle time instead
// of doing it inline on Del, per spec.md §5: "Bulky deletions (dense-set
// values in hashes/sets) are performed incrementally as idle-time tasks; a
// per-thread list stores (dense_set, cursor, next) and is drained when the
// scheduler signals idleness." Resolves Open Question (b): the deferred
// queue applies uniformly to both Set and Hash values, not just one.
type idleDeleteQueue struct {
	mu    sync.Mutex
	items []pendingDelete
}

type pendingDelete struct {
	value  common.Value
	cursor int // position within the value's members already reclaimed
}

func newIdleDeleteQueue() *idleDeleteQueue {
	return &idleDeleteQueue{}
}

func (q *idleDeleteQueue) enqueue(v common.Value) {
	q.mu.Lock()
	q.items = append(q.items, pendingDelete{value: v})
	q.mu.Unlock()
}

// drainStep reclaims up to chunk members from the oldest pending value,
// moving to the next value once the current one is exhausted. Returns the
// number of members reclaimed this call and whether any work remains.
func (q *idleDeleteQueue) drainStep(chunk int) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0, false
	}
	reclaimed := 0
	for chunk > 0 && len(q.items) > 0 {
		head := &q.items[0]
		remaining := valueSize(head.value) - head.cursor
		if remaining <= 0 {
			q.items = q.items[1:]
			continue
		}
		take := chunk
		if take > remaining {
			take = remaining
		}
		head.cursor += take
		reclaimed += take
		chunk -= take
		if head.cursor >= valueSize(head.value) {
			q.items = q.items[1:]
		}
	}
	return reclaimed, len(q.items) > 0
}

func valueSize(v common.Value) int {
	switch v.Kind {
	case common.KindSet:
		return len(v.Set)
	case common.KindHash:
		return len(v.Hash)
	default:
		return 0
	}
}

// DrainIdleDeletes runs one idle-time reclamation pass for dbIndex's
// deferred-deletion queue, called when the scheduler signals idleness
// (spec.md §5). chunk bounds how many members are reclaimed per call.
func (s *Slice) DrainIdleDeletes(dbIndex int, chunk int) (int, bool) {
	db := s.DB(dbIndex)
	if db == nil {
		return 0, false
	}
	return db.idleQueue.drainStep(chunk)
}

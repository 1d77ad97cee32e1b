// Package expiretable implements the expire table described in spec.md
// §4.B: a table parallel to the prime table, keyed by the same fingerprint
// basis, holding only a 32-bit relative deadline per key.
//
// The prime table's bucket/stash/version machinery exists to keep value
// storage cache-friendly under heavy fan-out; the expire table's payload is
// a single uint32; the same segmented layout would only add bookkeeping
// without a space or locality payoff, so this table is a flat
// fingerprint-keyed map guarded by one mutex, matching the teacher's
// `internal/engine/core/sharding` stripes in spirit (coarse mutex
// protecting a plain Go map) rather than its segmented hash table.
package expiretable

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Table holds, for a single database, fingerprint -> (absolute_deadline_ms - base).
type Table struct {
	mu      sync.RWMutex
	deltas  map[uint64]uint32
	baseMs  int64 // per-database anchor; updated periodically (multi-gen expiry)
}

func New() *Table {
	return &Table{deltas: make(map[uint64]uint32)}
}

func fp(key string) uint64 { return xxhash.Sum64String(key) }

// SetBase updates the per-database anchor. Existing deltas are expressed
// against the *old* base until the caller explicitly rebases (spec.md
// treats base as a single value the caller owns the lifecycle of).
func (t *Table) SetBase(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.baseMs = ms
}

func (t *Table) Base() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baseMs
}

// Set installs/overwrites the deadline for key, given as an absolute unix
// millisecond timestamp.
func (t *Table) Set(key string, absDeadlineMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deltas[fp(key)] = uint32(absDeadlineMs - t.baseMs)
}

// Get returns the absolute deadline in unix ms for key, if present.
func (t *Table) Get(key string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.deltas[fp(key)]
	if !ok {
		return 0, false
	}
	return t.baseMs + int64(d), true
}

// Delete removes key's deadline, if any.
func (t *Table) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deltas, fp(key))
}

// Len returns the number of tracked deadlines.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.deltas)
}

// Contains reports whether key currently has a tracked deadline.
func (t *Table) Contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.deltas[fp(key)]
	return ok
}

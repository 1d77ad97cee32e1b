// Package primetable implements the prime table described in spec.md
// §4.A: a bucket-and-stash hash table with per-bucket monotonic versions,
// cursor-based traversal that survives growth, and an insert-time eviction
// hook. The table is a single power-of-two bucket array that doubles as a
// whole on growth; it has no segments and no segment directory.
//
// The bucket layout (14 main slots + 2 stash slots, 16-bit tag
// fast-rejection, xxhash fingerprint) is carried over from the teacher's
// oldsrc/shared/ds/hashtable/ppht.go. What's added here is the version
// field DbSlice and the snapshot producer depend on, plus the
// reverse-binary cursor that lets traverse_buckets visit every
// always-present entry exactly once across concurrent growth.
package primetable

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/jorge882/dragonfly/internal/common"
)

const (
	slotsPerBucket  = 14
	stashPerBucket  = 2
	defaultBuckets  = 16
	growthFactor    = 2
	maxLoadFactor   = 0.88 // fraction of (slots) considered "full enough to grow"
)

// Bucket is the smallest unit of the table that carries a version number.
//
// version is an atomic.Uint64, not a plain uint64: TraverseBuckets and
// CvcUponInsert hand a caller a *Bucket while only holding t.mu's read lock
// (InsertNew's own Notify call holds the write lock instead — see
// SetVersion), so two unrelated goroutines can each be
// holding that read lock at once and racing to stamp the very same
// bucket's version (one via the snapshot producer's traversal, one via its
// onChange hook reacting to a concurrent overwrite). Plain field writes
// there would be a data race even though both call sites stay within
// RLock; the atomic makes the stamp itself safe without requiring mutual
// exclusion between them.
type Bucket struct {
	slots   [slotsPerBucket]slot
	stash   [stashPerBucket]slot
	count   int8
	version atomic.Uint64
}

type slot struct {
	tag   uint16
	entry *common.Entry
}

func (b *Bucket) Version() uint64 { return b.version.Load() }

// SetVersion stamps b's version directly. Safe to call without any table
// write lock held by the caller as long as the caller obtained b from a
// context that already guaranteed it exclusive or point-in-time access —
// notably the bucket pointer handed to a ChangeNotifier.Notify call (made
// from inside InsertNew's write lock) or to a TraverseBuckets callback
// (made inside its read lock). Re-entering the table's own locking methods
// from either of those callbacks would deadlock; operating on b directly
// does not.
func (b *Bucket) SetVersion(v uint64) { b.version.Store(v) }

// Cursor is an opaque traversal position. It survives table growth because
// it's the reverse-binary increment of the bucket index: visiting buckets
// in this order guarantees every bucket that existed (in either the old or
// new generation) for the whole traversal is visited exactly once, the same
// invariant Redis's incremental rehashing cursor provides.
type Cursor uint64

// EvictionPolicy is injected into the table by DbSlice to implement the
// insert-time memory-bounded insertion policy (spec.md §4.A/§4.C).
type EvictionPolicy interface {
	// CanGrow is consulted when a segment is full before refusing growth,
	// from a caller holding no table lock (DbSlice's heartbeat step).
	CanGrow(t *Table) bool
	// CanGrowLocked is CanGrow for InsertNew, which is already holding t's
	// write lock when it needs the answer.
	CanGrowLocked(t *Table) bool
	// RecordSplit is a notification-only hook fired after a growth/rehash.
	RecordSplit()
	// OnMove reports a slot relocation (for the snapshotter to re-serialize
	// displaced items in non-point-in-time mode).
	OnMove(src, dst Cursor)
	// GarbageCollectLocked lazily evicts expired entries from buckets under
	// pressure; returns how many were removed. Called only from InsertNew,
	// which already holds t's write lock.
	GarbageCollectLocked(hotBuckets []int, t *Table) int
	// Evict evicts up to one non-sticky, non-locked entry from a
	// pseudo-random stash bucket; returns how many were removed. Called
	// from a caller holding no table lock (DbSlice's FreeMemWithEvictionStep).
	Evict(hotBuckets []int, t *Table) int
	// EvictLocked is Evict for InsertNew, which is already holding t's
	// write lock.
	EvictLocked(hotBuckets []int, t *Table) int
}

// ChangeNotifier is consulted by insert_new for every bucket about to be
// touched by an insert, before the bucket is mutated — the cvc_upon_insert
// hook the snapshot producer uses to pre-serialize buckets it's about to
// lose visibility into.
type ChangeNotifier interface {
	// Notify is invoked with the bucket about to be mutated for the given
	// key, for every candidate bucket (main table slot and any bucket the
	// collision/stash search would touch).
	Notify(b *Bucket, cur Cursor)
}

// Table is a single logical database's prime table.
type Table struct {
	mu      sync.RWMutex
	buckets []Bucket
	mask    uint64
	count   int
	policy  EvictionPolicy
}

func New(policy EvictionPolicy) *Table {
	return &Table{
		buckets: make([]Bucket, defaultBuckets),
		mask:    defaultBuckets - 1,
		policy:  policy,
	}
}

func fingerprint(key string) uint64 {
	return xxhash.Sum64String(key)
}

func tagOf(h uint64) uint16 { return uint16(h >> 48) }

func (t *Table) bucketIndex(h uint64) uint64 { return h & t.mask }

// Find locates the slot for key. No mutation, no version change.
func (t *Table) Find(key string) (*common.Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := fingerprint(key)
	b := &t.buckets[t.bucketIndex(h)]
	e, _, _ := findInBucket(b, key, tagOf(h))
	if e == nil {
		return nil, false
	}
	return e, true
}

func findInBucket(b *Bucket, key string, tag uint16) (*common.Entry, int, bool) {
	for i := range b.slots {
		if b.slots[i].entry != nil && b.slots[i].tag == tag && b.slots[i].entry.Key == key {
			return b.slots[i].entry, i, false
		}
	}
	for i := range b.stash {
		if b.stash[i].entry != nil && b.stash[i].tag == tag && b.stash[i].entry.Key == key {
			return b.stash[i].entry, i, true
		}
	}
	return nil, -1, false
}

// InsertNew inserts key/entry. If the bucket (and its stash) are full, the
// injected policy is consulted: first CanGrowLocked, then GarbageCollectLocked
// and EvictLocked to make room. Returns common.ErrOutOfMemory if neither frees
// space.
// Bumps the affected bucket's version (invariant I3).
func (t *Table) InsertNew(entry *common.Entry, nextVersion func() uint64, notifier ChangeNotifier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := fingerprint(entry.Key)
	tag := tagOf(h)
	idx := t.bucketIndex(h)
	b := &t.buckets[idx]

	if notifier != nil {
		notifier.Notify(b, Cursor(idx))
	}

	if ok := placeInBucket(b, entry, tag); ok {
		b.version.Store(nextVersion())
		t.count++
		return nil
	}

	if t.policy != nil {
		if t.policy.CanGrowLocked(t) {
			t.growLocked()
			return t.insertAfterGrowLocked(entry, nextVersion, notifier)
		}
		hot := []int{int(idx)}
		if t.policy.GarbageCollectLocked(hot, t) > 0 {
			if ok := placeInBucket(b, entry, tag); ok {
				b.version.Store(nextVersion())
				t.count++
				return nil
			}
		}
		if t.policy.EvictLocked(hot, t) > 0 {
			if ok := placeInBucket(b, entry, tag); ok {
				b.version.Store(nextVersion())
				t.count++
				return nil
			}
		}
	} else {
		t.growLocked()
		return t.insertAfterGrowLocked(entry, nextVersion, notifier)
	}

	return common.ErrOutOfMemory
}

func (t *Table) insertAfterGrowLocked(entry *common.Entry, nextVersion func() uint64, notifier ChangeNotifier) error {
	h := fingerprint(entry.Key)
	tag := tagOf(h)
	idx := t.bucketIndex(h)
	b := &t.buckets[idx]
	if notifier != nil {
		notifier.Notify(b, Cursor(idx))
	}
	if ok := placeInBucket(b, entry, tag); ok {
		b.version.Store(nextVersion())
		t.count++
		return nil
	}
	return common.ErrOutOfMemory
}

func placeInBucket(b *Bucket, entry *common.Entry, tag uint16) bool {
	for i := range b.slots {
		if b.slots[i].entry == nil {
			b.slots[i] = slot{tag: tag, entry: entry}
			b.count++
			return true
		}
	}
	for i := range b.stash {
		if b.stash[i].entry == nil {
			b.stash[i] = slot{tag: tag, entry: entry}
			b.count++
			return true
		}
	}
	return false
}

// Erase deletes the entry for key; bumps version. Returns the removed
// entry, if any.
func (t *Table) Erase(key string, nextVersion func() uint64) (*common.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := fingerprint(key)
	idx := t.bucketIndex(h)
	b := &t.buckets[idx]
	e, pos, inStash := findInBucket(b, key, tagOf(h))
	if e == nil {
		return nil, false
	}
	if inStash {
		b.stash[pos] = slot{}
	} else {
		b.slots[pos] = slot{}
		t.shiftRightLocked(b, pos)
	}
	b.count--
	b.version.Store(nextVersion())
	t.count--
	return e, true
}

// shiftRightLocked slides remaining main slots left to close the gap left
// by an evicted/erased slot, matching spec.md's shift_right operation
// (closing gaps keeps the linear bucket scan short on average).
func (t *Table) shiftRightLocked(b *Bucket, gap int) {
	for i := gap; i < slotsPerBucket-1; i++ {
		if b.slots[i].entry == nil && b.slots[i+1].entry != nil {
			b.slots[i] = b.slots[i+1]
			b.slots[i+1] = slot{}
		}
	}
}

func (t *Table) growLocked() {
	old := t.buckets
	newBuckets := make([]Bucket, len(old)*growthFactor)
	newMask := uint64(len(newBuckets) - 1)

	for i := range old {
		ob := &old[i]
		rehashBucket(ob, newBuckets, newMask)
	}
	t.buckets = newBuckets
	t.mask = newMask
	if t.policy != nil {
		t.policy.RecordSplit()
	}
}

func rehashBucket(ob *Bucket, newBuckets []Bucket, newMask uint64) {
	v := ob.version.Load()
	for i := range ob.slots {
		if ob.slots[i].entry != nil {
			rehashOne(ob.slots[i].entry, newBuckets, newMask, v)
		}
	}
	for i := range ob.stash {
		if ob.stash[i].entry != nil {
			rehashOne(ob.stash[i].entry, newBuckets, newMask, v)
		}
	}
}

func rehashOne(e *common.Entry, newBuckets []Bucket, newMask uint64, v uint64) {
	h := fingerprint(e.Key)
	idx := h & newMask
	nb := &newBuckets[idx]
	placeInBucket(nb, e, tagOf(h))
	// A split bucket inherits the version of the bucket it was split from,
	// so an entry's bucket version never moves backwards across growth.
	nb.version.Store(v)
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// NumBuckets returns the current bucket count (used by can_grow estimates).
func (t *Table) NumBuckets() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// NumBucketsLocked is NumBuckets for a caller that already holds t's write
// lock — specifically EvictionPolicy.CanGrowLocked, invoked by InsertNew.
func (t *Table) NumBucketsLocked() int {
	return len(t.buckets)
}

// BucketAt exposes a bucket by cursor. Callers must hold no table lock;
// BucketAt takes its own read lock for the duration of fn.
func (t *Table) BucketAt(cur Cursor, fn func(b *Bucket)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := uint64(cur) & t.mask
	fn(&t.buckets[idx])
}

// reverse reverses the low `bits` bits of v — the classic trick (as used by
// Redis's incremental rehashing cursor) that makes a bucket-index cursor
// stable across table growth: a traversal always advances by incrementing
// the *reversed* index, so every bucket that is a "child" of an
// already-visited bucket after a split is skipped exactly once.
func reverse(v uint64, bits uint) uint64 {
	var r uint64
	for i := uint(0); i < bits; i++ {
		r = (r << 1) | (v & 1)
		v >>= 1
	}
	return r
}

func bitsFor(n int) uint {
	bits := uint(0)
	for (1 << bits) < n {
		bits++
	}
	return bits
}

// TraverseBuckets visits the logical bucket group at cursor cur, calling fn
// once per bucket, and returns the next cursor (0 once the traversal has
// wrapped all the way around).
func (t *Table) TraverseBuckets(cur Cursor, fn func(idx int, b *Bucket)) Cursor {
	t.mu.RLock()
	n := len(t.buckets)
	bits := bitsFor(n)
	idx := int(uint64(cur) & t.mask)
	fn(idx, &t.buckets[idx])
	t.mu.RUnlock()

	rev := reverse(uint64(idx), bits)
	rev++
	next := reverse(rev, bits)
	if rev == 0 {
		return 0
	}
	return Cursor(next)
}

// CvcUponInsert invokes fn on every bucket a forthcoming insert of key
// would touch — here that's simply the single target bucket, since this
// implementation (unlike the cuckoo-displacement original) never touches a
// second bucket on insert. Exposed for symmetry with spec.md's
// cvc_upon_insert and used by internal/snapshot's mutation interception.
func (t *Table) CvcUponInsert(key string, fn func(b *Bucket, cur Cursor)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := fingerprint(key)
	idx := t.bucketIndex(h)
	fn(&t.buckets[idx], Cursor(idx))
}

// ForEachLive calls fn for every live entry across every bucket, without
// any version-based filtering. The snapshot producer uses TraverseBuckets
// instead so it can respect bucket versions.
func (t *Table) ForEachLive(fn func(e *common.Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.buckets {
		b := &t.buckets[i]
		for j := range b.slots {
			if b.slots[j].entry != nil {
				fn(b.slots[j].entry)
			}
		}
		for j := range b.stash {
			if b.stash[j].entry != nil {
				fn(b.stash[j].entry)
			}
		}
	}
}

// BumpVersion stamps the bucket holding key with v, used by DbSlice's
// pre-update call (call_change_callbacks fires, then the bucket's version
// is bumped to next_version).
func (t *Table) BumpVersion(key string, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := fingerprint(key)
	idx := t.bucketIndex(h)
	t.buckets[idx].version.Store(v)
}

// BucketVersionForKey returns the version of the bucket that would hold
// key, without requiring the key to currently be present.
func (t *Table) BucketVersionForKey(key string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h := fingerprint(key)
	idx := t.bucketIndex(h)
	return t.buckets[idx].version.Load()
}

// ShiftRight closes a gap left by evicting the last slot of a bucket,
// exposed for EvictionPolicy implementations.
func (t *Table) ShiftRight(b *Bucket, gap int) {
	t.shiftRightLocked(b, gap)
}

// CollectExpiredInBucket removes and returns every entry in bucket idx for
// which isExpired(key) is true. Used directly by DbSlice's heartbeat sweep,
// which holds no table lock of its own.
func (t *Table) CollectExpiredInBucket(idx int, isExpired func(key string) bool) []*common.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collectExpiredInBucketLocked(idx, isExpired)
}

// CollectExpiredInBucketLocked is CollectExpiredInBucket for a caller that
// already holds t's write lock — specifically EvictionPolicy.GarbageCollectLocked,
// which InsertNew invokes while still holding t.mu.Lock(). Calling the
// plain (self-locking) CollectExpiredInBucket from there would deadlock.
func (t *Table) CollectExpiredInBucketLocked(idx int, isExpired func(key string) bool) []*common.Entry {
	return t.collectExpiredInBucketLocked(idx, isExpired)
}

func (t *Table) collectExpiredInBucketLocked(idx int, isExpired func(key string) bool) []*common.Entry {
	if idx < 0 || idx >= len(t.buckets) {
		return nil
	}
	b := &t.buckets[idx]
	var removed []*common.Entry

	for i := range b.slots {
		if b.slots[i].entry != nil && isExpired(b.slots[i].entry.Key) {
			removed = append(removed, b.slots[i].entry)
			b.slots[i] = slot{}
			b.count--
			t.count--
		}
	}
	for i := range b.stash {
		if b.stash[i].entry != nil && isExpired(b.stash[i].entry.Key) {
			removed = append(removed, b.stash[i].entry)
			b.stash[i] = slot{}
			b.count--
			t.count--
		}
	}
	if len(removed) > 0 {
		t.shiftRightLocked(b, 0)
	}
	return removed
}

// ForEachInBucket calls fn for every live entry currently in bucket idx,
// without mutating or changing its version, taking the table's read lock
// itself. Callers already holding the table lock (the snapshot producer's
// callbacks) use ForEachInBucketPtr instead.
func (t *Table) ForEachInBucket(idx int, fn func(e *common.Entry)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx < 0 || idx >= len(t.buckets) {
		return
	}
	b := &t.buckets[idx]
	for i := range b.slots {
		if b.slots[i].entry != nil {
			fn(b.slots[i].entry)
		}
	}
	for i := range b.stash {
		if b.stash[i].entry != nil {
			fn(b.stash[i].entry)
		}
	}
}

// ForEachInBucketPtr calls fn for every live entry in a bucket the caller
// already has direct access to (e.g. a bucket pointer handed to a
// ChangeNotifier.Notify call or a TraverseBuckets callback), performing no
// locking of its own. It exists so those callbacks can enumerate the bucket
// they were already given without re-entering the table's locking API,
// which would deadlock since the table lock that produced the pointer is
// still held by the calling goroutine.
func ForEachInBucketPtr(b *Bucket, fn func(e *common.Entry)) {
	for i := range b.slots {
		if b.slots[i].entry != nil {
			fn(b.slots[i].entry)
		}
	}
	for i := range b.stash {
		if b.stash[i].entry != nil {
			fn(b.stash[i].entry)
		}
	}
}

// SetBucketVersion stamps bucket idx's version under the table's write
// lock. The snapshot producer, whose callbacks already hold the table lock,
// stamps buckets through Bucket.SetVersion instead.
func (t *Table) SetBucketVersion(idx int, v uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.buckets) {
		return
	}
	t.buckets[idx].version.Store(v)
}

// EvictOneFromBucket removes and returns one entry from bucket idx for
// which evictable(entry) is true, preferring stash slots first (the
// overflow entries spec.md singles out for eviction). Used directly by
// DbSlice's FreeMemWithEvictionStep, which holds no table lock of its own.
func (t *Table) EvictOneFromBucket(idx int, evictable func(e *common.Entry) bool) (*common.Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictOneFromBucketLocked(idx, evictable)
}

// EvictOneFromBucketLocked is EvictOneFromBucket for a caller that already
// holds t's write lock — specifically EvictionPolicy.EvictLocked, which
// InsertNew invokes while still holding t.mu.Lock(). Calling the plain
// (self-locking) EvictOneFromBucket from there would deadlock.
func (t *Table) EvictOneFromBucketLocked(idx int, evictable func(e *common.Entry) bool) (*common.Entry, bool) {
	return t.evictOneFromBucketLocked(idx, evictable)
}

func (t *Table) evictOneFromBucketLocked(idx int, evictable func(e *common.Entry) bool) (*common.Entry, bool) {
	if idx < 0 || idx >= len(t.buckets) {
		return nil, false
	}
	b := &t.buckets[idx]

	for i := range b.stash {
		if b.stash[i].entry != nil && evictable(b.stash[i].entry) {
			e := b.stash[i].entry
			b.stash[i] = slot{}
			b.count--
			t.count--
			return e, true
		}
	}
	for i := range b.slots {
		if b.slots[i].entry != nil && evictable(b.slots[i].entry) {
			e := b.slots[i].entry
			b.slots[i] = slot{}
			b.count--
			t.count--
			t.shiftRightLocked(b, i)
			return e, true
		}
	}
	return nil, false
}

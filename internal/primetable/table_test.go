package primetable

import (
	"fmt"
	"testing"

	"github.com/jorge882/dragonfly/internal/common"
)

// sameBucketKeys scans sequential integer-suffixed keys until it finds n
// that all hash into the same bucket of t, returning them in insertion
// order. Exercising a single bucket's full-to-stash-to-overflow path
// requires collisions; pigeonhole guarantees this terminates well before
// bucket 0's defaultBuckets-sized table runs out of candidates.
func sameBucketKeys(t *Table, n int) []string {
	buckets := make(map[uint64][]string)
	for i := 0; ; i++ {
		k := fmt.Sprintf("k%d", i)
		idx := t.bucketIndex(fingerprint(k))
		buckets[idx] = append(buckets[idx], k)
		if len(buckets[idx]) >= n {
			return buckets[idx][:n]
		}
	}
}

func newEntry(key string) *common.Entry {
	return common.NewEntry(key, common.NewStringValue([]byte("v")))
}

func TestFindInsertErase(t *testing.T) {
	tbl := New(nil)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }

	if err := tbl.InsertNew(newEntry("k"), nextVersion, nil); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	if _, ok := tbl.Find("k"); !ok {
		t.Fatal("expected to find just-inserted key")
	}
	if v := tbl.BucketVersionForKey("k"); v == 0 {
		t.Error("expected the owning bucket's version to be bumped by InsertNew")
	}

	e, ok := tbl.Erase("k", nextVersion)
	if !ok || e.Key != "k" {
		t.Fatalf("Erase: got (%v, %v)", e, ok)
	}
	if _, ok := tbl.Find("k"); ok {
		t.Fatal("expected key to be gone after Erase")
	}
	if tbl.Len() != 0 {
		t.Errorf("expected Len()==0 after erase, got %d", tbl.Len())
	}
}

type recordingNotifier struct{ calls []Cursor }

func (n *recordingNotifier) Notify(b *Bucket, cur Cursor) { n.calls = append(n.calls, cur) }

func TestInsertNewNotifiesBeforePlacement(t *testing.T) {
	tbl := New(nil)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }
	n := &recordingNotifier{}

	if err := tbl.InsertNew(newEntry("k"), nextVersion, n); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	if len(n.calls) != 1 {
		t.Fatalf("expected exactly one Notify call before placement, got %d", len(n.calls))
	}
}

// stubPolicy is a minimal EvictionPolicy whose Locked methods delegate to
// the table's own Locked entry points — the same wiring
// internal/eviction.Policy uses — so that driving InsertNew through its
// full-bucket path here exercises exactly the call chain that used to
// deadlock (InsertNew holds t.mu.Lock(); GarbageCollect/Evict used to
// re-Lock the same mutex from inside that call).
type stubPolicy struct {
	canGrowVal bool
	expired    map[string]bool
	gcHits     int
	evictHits  int
}

func (p *stubPolicy) isExpired(key string) bool { return p.expired != nil && p.expired[key] }

func (p *stubPolicy) CanGrow(t *Table) bool       { return p.canGrowVal }
func (p *stubPolicy) CanGrowLocked(t *Table) bool { return p.canGrowVal }
func (p *stubPolicy) RecordSplit()                {}
func (p *stubPolicy) OnMove(src, dst Cursor)      {}

func (p *stubPolicy) GarbageCollect(hot []int, t *Table) int {
	return p.gc(hot, t.CollectExpiredInBucket)
}
func (p *stubPolicy) GarbageCollectLocked(hot []int, t *Table) int {
	return p.gc(hot, t.CollectExpiredInBucketLocked)
}
func (p *stubPolicy) gc(hot []int, collect func(int, func(string) bool) []*common.Entry) int {
	total := 0
	for _, idx := range hot {
		total += len(collect(idx, p.isExpired))
	}
	p.gcHits += total
	return total
}

func (p *stubPolicy) Evict(hot []int, t *Table) int {
	return p.evict(hot, t.EvictOneFromBucket)
}
func (p *stubPolicy) EvictLocked(hot []int, t *Table) int {
	return p.evict(hot, t.EvictOneFromBucketLocked)
}
func (p *stubPolicy) evict(hot []int, evictFn func(int, func(*common.Entry) bool) (*common.Entry, bool)) int {
	if len(hot) == 0 {
		return 0
	}
	if _, ok := evictFn(hot[0], func(e *common.Entry) bool { return true }); !ok {
		return 0
	}
	p.evictHits++
	return 1
}

var _ EvictionPolicy = (*stubPolicy)(nil)

func TestInsertNewEvictsFromFullBucketWithoutDeadlock(t *testing.T) {
	policy := &stubPolicy{canGrowVal: false}
	tbl := New(policy)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }

	keys := sameBucketKeys(tbl, 17)
	for i, k := range keys[:16] {
		if err := tbl.InsertNew(newEntry(k), nextVersion, nil); err != nil {
			t.Fatalf("insert %d (%q): %v", i, k, err)
		}
	}

	overflow := keys[16]
	if err := tbl.InsertNew(newEntry(overflow), nextVersion, nil); err != nil {
		t.Fatalf("overflow insert: %v", err)
	}
	if policy.evictHits == 0 {
		t.Fatal("expected EvictLocked to have freed a slot for the overflow insert")
	}
	if _, ok := tbl.Find(overflow); !ok {
		t.Fatal("expected overflow key to be present once eviction freed a slot")
	}
}

func TestInsertNewGarbageCollectsExpiredFromFullBucketWithoutDeadlock(t *testing.T) {
	policy := &stubPolicy{canGrowVal: false, expired: map[string]bool{}}
	tbl := New(policy)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }

	keys := sameBucketKeys(tbl, 17)
	for i, k := range keys[:16] {
		if err := tbl.InsertNew(newEntry(k), nextVersion, nil); err != nil {
			t.Fatalf("insert %d (%q): %v", i, k, err)
		}
	}
	policy.expired[keys[0]] = true

	overflow := keys[16]
	if err := tbl.InsertNew(newEntry(overflow), nextVersion, nil); err != nil {
		t.Fatalf("overflow insert: %v", err)
	}
	if policy.gcHits == 0 {
		t.Fatal("expected GarbageCollectLocked to have reclaimed the expired entry")
	}
	if _, ok := tbl.Find(keys[0]); ok {
		t.Fatal("expired entry should have been garbage-collected")
	}
	if _, ok := tbl.Find(overflow); !ok {
		t.Fatal("expected overflow key to be present once GC freed a slot")
	}
}

func TestTraverseBucketsVisitsEveryBucketOnce(t *testing.T) {
	tbl := New(nil)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }
	for i := 0; i < 32; i++ {
		if err := tbl.InsertNew(newEntry(fmt.Sprintf("k%d", i)), nextVersion, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	seen := make(map[int]int)
	var cur Cursor
	for {
		next := tbl.TraverseBuckets(cur, func(idx int, b *Bucket) {
			seen[idx]++
		})
		cur = next
		if next == 0 {
			break
		}
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("bucket %d visited %d times, want exactly 1", idx, n)
		}
	}
	if len(seen) != tbl.NumBuckets() {
		t.Errorf("expected all %d buckets visited, got %d", tbl.NumBuckets(), len(seen))
	}
}

func TestForEachInBucketPtrEnumeratesLiveEntries(t *testing.T) {
	tbl := New(nil)
	var nv uint64
	nextVersion := func() uint64 { nv++; return nv }
	keys := sameBucketKeys(tbl, 3)
	for _, k := range keys {
		if err := tbl.InsertNew(newEntry(k), nextVersion, nil); err != nil {
			t.Fatalf("insert %q: %v", k, err)
		}
	}

	idx := int(tbl.bucketIndex(fingerprint(keys[0])))
	var found []string
	tbl.BucketAt(Cursor(idx), func(b *Bucket) {
		ForEachInBucketPtr(b, func(e *common.Entry) {
			found = append(found, e.Key)
		})
	})
	if len(found) != len(keys) {
		t.Fatalf("expected %d entries via ForEachInBucketPtr, got %d: %v", len(keys), len(found), found)
	}
}

package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/jorge882/dragonfly/internal/common"
	"github.com/jorge882/dragonfly/internal/dbslice"
	"github.com/jorge882/dragonfly/internal/eviction"
	"github.com/jorge882/dragonfly/internal/tiered"
)

func newTestSlice(numKeys int) (*dbslice.Slice, []string) {
	budget := dbslice.NewMemBudget(0)
	policy := &eviction.Policy{Mode: eviction.CacheMode, Metrics: &eviction.Metrics{}}
	s := dbslice.New(1, budget, policy, tiered.NullBackend{})
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		if err := s.AddNew(0, keys[i], common.NewStringValue([]byte("orig")), 0); err != nil {
			panic(err)
		}
	}
	return s, keys
}

func decodeRecords(t *testing.T, buf []byte) []Record {
	t.Helper()
	dec := gob.NewDecoder(bytes.NewReader(buf))
	var recs []Record
	for {
		var r Record
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("decode: %v", err)
		}
		recs = append(recs, r)
	}
	return recs
}

// TestSnapshotConcurrentOverwriteDoesNotDeadlock drives a bucket traversal
// racing against overwrites of the same keys — the path that used to
// deadlock inside onChange/iterateDB by re-entering the owning prime
// table's locking API from a callback invoked while that table's own lock
// was already held. A hang here would previously have blocked this test
// forever; it now runs the traversal and every overwrite to completion.
func TestSnapshotConcurrentOverwriteDoesNotDeadlock(t *testing.T) {
	s, keys := newTestSlice(64)

	var sink bytes.Buffer
	p := NewProducer(s, []int{0}, tiered.NullBackend{}, &sink)
	p.Start(false)

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_ = s.AddOrUpdate(0, k, common.NewStringValue([]byte("updated")), 0)
		}(k)
	}
	wg.Wait()

	p.Finalize(false)

	recs := decodeRecords(t, sink.Bytes())
	seen := make(map[string]int)
	for _, r := range recs {
		if r.Marker != "" {
			continue
		}
		seen[r.Key]++
	}
	for _, k := range keys {
		if seen[k] != 1 {
			t.Errorf("key %q serialized %d times, want exactly 1 (spec.md §4.E: a bucket is serialized by whichever of the traversal or its onChange hook reaches it first, never both)", k, seen[k])
		}
	}
}

// TestSnapshotCapturesPreOverwriteValue checks the P3 property directly:
// when an overwrite races the traversal and onChange wins, the side-saved
// copy onChange produces must be the value as it stood before the
// overwrite landed, not the new one.
func TestSnapshotCapturesPreOverwriteValue(t *testing.T) {
	s, keys := newTestSlice(1)
	key := keys[0]

	var sink bytes.Buffer
	p := NewProducer(s, []int{0}, tiered.NullBackend{}, &sink)
	// Registering the callback without starting the traversal goroutine
	// pins this test to the onChange path deterministically: the bucket's
	// version is still 1 from the initial insert (< snapshotVersion, 2), so
	// the very next mutation
	// must route through onChange's pre-image capture.
	p.snapshotVersion = s.RegisterOnChange(p.onChange)
	p.changeID = p.snapshotVersion

	if err := s.AddOrUpdate(0, key, common.NewStringValue([]byte("updated")), 0); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	s.UnregisterOnChange(p.changeID)
	p.pushSerialized(true)

	recs := decodeRecords(t, sink.Bytes())
	var found *Record
	for i := range recs {
		if recs[i].Key == key {
			found = &recs[i]
		}
	}
	if found == nil {
		t.Fatalf("expected a serialized record for %q", key)
	}
	if string(found.Str) != "orig" {
		t.Errorf("expected the side-saved pre-overwrite value %q, got %q", "orig", found.Str)
	}
}

package dbslice

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jorge882/dragonfly/internal/common"
	"github.com/jorge882/dragonfly/internal/eviction"
	"github.com/jorge882/dragonfly/internal/tiered"
)

func newTestSlice() *Slice {
	budget := NewMemBudget(0)
	policy := &eviction.Policy{Mode: eviction.CacheMode, Metrics: &eviction.Metrics{}}
	return New(1, budget, policy, tiered.NullBackend{})
}

func TestAddNewAndFind(t *testing.T) {
	s := newTestSlice()
	if err := s.AddNew(0, "foo", common.NewStringValue([]byte("bar")), 0); err != nil {
		t.Fatalf("AddNew: %v", err)
	}

	e, err := s.FindReadOnly(context.Background(), 0, "foo")
	if err != nil {
		t.Fatalf("FindReadOnly: %v", err)
	}
	if string(e.Value.Str) != "bar" {
		t.Errorf("expected bar, got %q", e.Value.Str)
	}

	if _, err := s.FindReadOnly(context.Background(), 0, "missing"); err != common.ErrKeyNotFound {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestAddOrUpdateOverwrites(t *testing.T) {
	s := newTestSlice()
	_ = s.AddNew(0, "k", common.NewStringValue([]byte("v1")), 0)
	if err := s.AddOrUpdate(0, "k", common.NewStringValue([]byte("v2")), 0); err != nil {
		t.Fatalf("AddOrUpdate: %v", err)
	}
	e, err := s.FindReadOnly(context.Background(), 0, "k")
	if err != nil {
		t.Fatalf("FindReadOnly: %v", err)
	}
	if string(e.Value.Str) != "v2" {
		t.Errorf("expected v2, got %q", e.Value.Str)
	}
}

func TestDel(t *testing.T) {
	s := newTestSlice()
	_ = s.AddNew(0, "k", common.NewStringValue([]byte("v")), 0)
	if !s.Del(0, "k") {
		t.Fatal("Del should report true for an existing key")
	}
	if s.Del(0, "k") {
		t.Fatal("Del should report false for an already-deleted key")
	}
}

func TestUpdateExpireConflictingFlags(t *testing.T) {
	s := newTestSlice()
	_ = s.AddNew(0, "k", common.NewStringValue([]byte("v")), 0)
	err := s.UpdateExpire(0, "k", ExpireParams{AtMs: 1, NX: true, XX: true})
	if err != common.ErrInvalidValue {
		t.Errorf("expected ErrInvalidValue for NX+XX, got %v", err)
	}
}

func TestExpireIfNeeded(t *testing.T) {
	s := newTestSlice()
	past := time.Now().Add(-time.Minute).UnixMilli()
	_ = s.AddNew(0, "k", common.NewStringValue([]byte("v")), past)

	if !s.ExpireIfNeeded(0, "k") {
		t.Fatal("expected the already-past-deadline key to be expired")
	}
	if _, err := s.FindReadOnly(context.Background(), 0, "k"); err != common.ErrKeyNotFound {
		t.Errorf("expected key to be gone after expiration, got err=%v", err)
	}
}

// TestCacheModeEvictionUnderFullBucket drives real cache-mode eviction
// (spec.md §4.A/§4.C, P6/P7): a budget that's exhausted after the first
// insert permanently refuses growth, so every bucket that fills to capacity
// must be evicted from rather than grown into. This is the path that used
// to self-deadlock inside InsertNew's write lock before the policy grew
// Locked entry points (primetable.EvictionPolicy.GarbageCollectLocked/
// EvictLocked/CanGrowLocked).
func TestCacheModeEvictionUnderFullBucket(t *testing.T) {
	budget := NewMemBudget(1)
	metrics := &eviction.Metrics{}
	policy := &eviction.Policy{Mode: eviction.CacheMode, Metrics: metrics, AvgObjectBytes: 1 << 20}
	s := New(1, budget, policy, tiered.NullBackend{})

	const n = 5000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := s.AddNew(0, key, common.NewStringValue([]byte("v")), 0); err != nil {
			t.Fatalf("AddNew(%q): %v", key, err)
		}
	}

	if metrics.Evictions.Load() == 0 {
		t.Fatal("expected cache-mode eviction to have run at least once under a full bucket")
	}
	db := s.DB(0)
	if db.Len() >= n {
		t.Errorf("expected eviction to keep the table well under %d live entries, got %d", n, db.Len())
	}
}

func TestFindMutableReleaseUpdatesBudget(t *testing.T) {
	s := newTestSlice()
	_ = s.AddNew(0, "k", common.NewStringValue([]byte("short")), 0)
	before := s.Budget().Used()

	e, upd, err := s.FindMutable(context.Background(), 0, "k")
	if err != nil {
		t.Fatalf("FindMutable: %v", err)
	}
	e.Value.Str = []byte("a much longer replacement value")
	if err := upd.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if s.Budget().Used() <= before {
		t.Errorf("expected budget usage to grow after a larger value, before=%d after=%d", before, s.Budget().Used())
	}
}

// Package tiered defines the tiered-storage interface DbSlice consumes
// (spec.md §6) and a couple of concrete implementations. The core never
// blocks on tiered I/O in the hot path: Read returns a Future that's either
// stashed asynchronously or awaited only at the snapshot flush boundary.
//
// Grounded on the teacher's internal/engine/core/storage/pgus.go (the
// granule-file/compression design) for MapBackend's use of snappy to
// compress offloaded values, and on golang.org/x/sync/singleflight (wired
// per SPEC_FULL.md) to collapse concurrent reads of the same cold key.
package tiered

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/sync/singleflight"

	"github.com/jorge882/dragonfly/internal/common"
)

var ErrNotStashed = errors.New("tiered: value not stashed")

// Future is a one-shot result with an optional pre-attached continuation,
// letting the snapshot producer enqueue a read and await it later, in
// order (spec.md §9's "Tiered-storage futures" design note).
type Future struct {
	once sync.Once
	done chan struct{}
	data []byte
	err  error

	mu   sync.Mutex
	cont []func([]byte, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// OnResolve attaches a continuation run when the future resolves. If
// already resolved, it runs immediately.
func (f *Future) OnResolve(fn func([]byte, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.data, f.err)
		return
	default:
	}
	f.cont = append(f.cont, fn)
	f.mu.Unlock()
}

func (f *Future) resolve(data []byte, err error) {
	f.once.Do(func() {
		f.data = data
		f.err = err
		close(f.done)
	})
	f.mu.Lock()
	conts := f.cont
	f.cont = nil
	f.mu.Unlock()
	for _, c := range conts {
		c(data, err)
	}
}

// Await blocks until the future resolves or ctx is cancelled.
func (f *Future) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Backend is the external tiered-storage collaborator, consumed (never
// implemented) by the core.
type Backend interface {
	Read(ctx context.Context, dbIndex int, key string, ref common.TieredRef) *Future
	TryStash(dbIndex int, key string, value []byte) (common.TieredRef, bool)
	CancelStash(dbIndex int, key string)
	Delete(dbIndex int, ref common.TieredRef) error
	ReclaimMemory(bytes int64) int64
	CoolMemoryUsage() int64
	Modify(ctx context.Context, dbIndex int, key string, ref common.TieredRef, fn func([]byte) ([]byte, error)) error
}

// NullBackend never stashes anything; every read misses. It satisfies
// Backend for configurations/tests that don't exercise tiered storage.
type NullBackend struct{}

func (NullBackend) Read(ctx context.Context, dbIndex int, key string, ref common.TieredRef) *Future {
	f := newFuture()
	f.resolve(nil, ErrNotStashed)
	return f
}
func (NullBackend) TryStash(dbIndex int, key string, value []byte) (common.TieredRef, bool) {
	return common.TieredRef{}, false
}
func (NullBackend) CancelStash(dbIndex int, key string) {}
func (NullBackend) Delete(dbIndex int, ref common.TieredRef) error { return nil }
func (NullBackend) ReclaimMemory(bytes int64) int64                { return 0 }
func (NullBackend) CoolMemoryUsage() int64                         { return 0 }
func (NullBackend) Modify(ctx context.Context, dbIndex int, key string, ref common.TieredRef, fn func([]byte) ([]byte, error)) error {
	return ErrNotStashed
}

// MapBackend is a concrete, testable Backend that offloads values into an
// in-process map, snappy-compressed, standing in for the real on-disk
// tiered store this repository treats as an external collaborator.
type MapBackend struct {
	mu     sync.Mutex
	nextID uint64
	data   map[uint64][]byte
	group  singleflight.Group
}

func NewMapBackend() *MapBackend {
	return &MapBackend{data: make(map[uint64][]byte)}
}

func (m *MapBackend) Read(ctx context.Context, dbIndex int, key string, ref common.TieredRef) *Future {
	f := newFuture()
	go func() {
		v, err, _ := m.group.Do(key, func() (interface{}, error) {
			m.mu.Lock()
			raw, ok := m.data[ref.Handle]
			m.mu.Unlock()
			if !ok {
				return nil, ErrNotStashed
			}
			decoded, derr := snappy.Decode(nil, raw)
			if derr != nil {
				return nil, derr
			}
			return decoded, nil
		})
		if err != nil {
			f.resolve(nil, err)
			return
		}
		f.resolve(v.([]byte), nil)
	}()
	return f
}

func (m *MapBackend) TryStash(dbIndex int, key string, value []byte) (common.TieredRef, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.data[id] = snappy.Encode(nil, value)
	return common.TieredRef{Handle: id}, true
}

func (m *MapBackend) CancelStash(dbIndex int, key string) {}

func (m *MapBackend) Delete(dbIndex int, ref common.TieredRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ref.Handle)
	return nil
}

func (m *MapBackend) ReclaimMemory(bytes int64) int64 { return 0 }

func (m *MapBackend) CoolMemoryUsage() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := int64(0)
	for _, v := range m.data {
		total += int64(len(v))
	}
	return total
}

func (m *MapBackend) Modify(ctx context.Context, dbIndex int, key string, ref common.TieredRef, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	raw, ok := m.data[ref.Handle]
	m.mu.Unlock()
	if !ok {
		return ErrNotStashed
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return err
	}
	updated, err := fn(decoded)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[ref.Handle] = snappy.Encode(nil, updated)
	m.mu.Unlock()
	return nil
}

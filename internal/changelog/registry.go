// Package changelog implements the change-callback registry (spec.md
// §4.D): an ordered list of (version, fn) pairs fired before any bucket
// mutation. The snapshot producer (internal/snapshot) and slot-migration
// callers register here to intercept mutations to buckets they haven't
// serialized yet.
package changelog

import (
	"sync"

	"github.com/jorge882/dragonfly/internal/primetable"
)

// ChangeRequest is either a bucket about to be touched (Bucket != nil) or a
// bare key for an insertion that has no bucket yet (Bucket == nil).
type ChangeRequest struct {
	DBIndex int
	Bucket  *primetable.Bucket
	Cursor  primetable.Cursor
	Key     string
}

// ChangeFunc must not suspend (spec.md §5 suspension rules); it copies out
// whatever bytes it needs before returning.
type ChangeFunc func(req ChangeRequest)

type entry struct {
	version uint64
	fn      ChangeFunc
}

// Registry is the ordered callback list for one shard.
type Registry struct {
	mu      sync.Mutex
	entries []entry
}

func New() *Registry {
	return &Registry{}
}

// Register installs fn tied to version (the shard's next_version at
// registration time, already obtained and incremented by the caller — see
// dbslice.Slice.RegisterOnChange). version doubles as both identifier and
// upper bound, per spec.md §4.D ("Version acts both as identifier and as
// upper bound beyond which the callback has not yet observed state").
func (r *Registry) Register(version uint64, fn ChangeFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{version: version, fn: fn})
	return version
}

// Unregister removes the callback registered under the given version/id.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.version == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Fire invokes every registered callback, in registration order, with req.
// This is call_change_callbacks(id, ChangeReq): it must run before the
// target bucket's version is bumped.
func (r *Registry) Fire(req ChangeRequest) {
	r.mu.Lock()
	fns := make([]ChangeFunc, len(r.entries))
	for i, e := range r.entries {
		fns[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(req)
	}
}

// FlushEarlier fires only the callbacks whose version lies strictly
// between bucketVersion and upper — flush_change_to_earlier_callbacks,
// used by the snapshot producer to deliver a bucket to older in-flight
// snapshots before it's overwritten on behalf of a newer one.
func (r *Registry) FlushEarlier(bucketVersion, upper uint64, req ChangeRequest) {
	r.mu.Lock()
	fns := make([]ChangeFunc, 0, len(r.entries))
	for _, e := range r.entries {
		if e.version > bucketVersion && e.version < upper {
			fns = append(fns, e.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(req)
	}
}

// Len reports the number of currently registered callbacks (diagnostics).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

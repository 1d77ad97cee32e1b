// Package snapshot implements the snapshot producer of spec.md §4.E: a
// consistent per-shard stream of every key that existed at snapshot start,
// produced concurrently with ongoing mutations via the prime table's
// version/cursor machinery and the change-callback registry.
//
// Grounded on the teacher's internal/persistence/wal_persister.go for the
// gob-encoded record stream, and on internal/engine/replication/manager.go
// for the broadcast-then-reclaim idiom reused here for flush sequencing.
package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"sync"
	"time"

	"github.com/jorge882/dragonfly/internal/changelog"
	"github.com/jorge882/dragonfly/internal/common"
	"github.com/jorge882/dragonfly/internal/dbslice"
	"github.com/jorge882/dragonfly/internal/primetable"
	"github.com/jorge882/dragonfly/internal/sortedset"
	"github.com/jorge882/dragonfly/internal/tiered"
)

// Record is one entry of the snapshot stream (spec.md §6): a length-tagged
// record carrying dbindex, key, value bytes and optional expire/mcflag
// metadata, or a control marker such as the full-sync cut.
type Record struct {
	Marker     string // "" for a data record, "cut" for the full-sync cut, "expire-meta" for a record carrying only ExpireAtMs for Key
	DBIndex    int
	Key        string
	Kind       common.ValueKind
	Str        []byte
	List       [][]byte
	SetMembers []string
	Hash       map[string][]byte
	ZSetPairs  []ZPair
	Stream     []common.StreamEntry
	ExpireAtMs int64
	McFlag     uint32
}

type ZPair struct {
	Member string
	Score  float64
}

// Sink receives the flushed record stream, in order.
type Sink interface {
	io.Writer
}

func encodeValue(dbIndex int, key string, e *common.Entry) Record {
	r := Record{DBIndex: dbIndex, Key: key, Kind: e.Value.Kind, McFlag: e.McFlag}
	v := e.Value
	switch v.Kind {
	case common.KindString:
		r.Str = v.Str
	case common.KindList:
		r.List = v.List
	case common.KindSet:
		for m := range v.Set {
			r.SetMembers = append(r.SetMembers, m)
		}
	case common.KindHash:
		r.Hash = v.Hash
	case common.KindSortedSet:
		if zs, ok := v.ZSet.(*sortedset.Set); ok {
			for _, el := range zs.Range(0, -1) {
				r.ZSetPairs = append(r.ZSetPairs, ZPair{Member: el.Member, Score: el.Score})
			}
		}
	case common.KindStream:
		r.Stream = v.Stream
	}
	return r
}

// delayedEntry defers serialization of a tiered-storage-backed value until
// its read resolves, per spec.md §4.E "External-value handling".
type delayedEntry struct {
	dbIndex int
	key     string
	mcflag  uint32
	future  *tiered.Future
}

// Producer drives one shard's snapshot: point-in-time traversal, mutation
// interception via a registered change callback, and ordered flush
// sequencing.
type Producer struct {
	slice       *dbslice.Slice
	dbIndices   []int
	backend     tiered.Backend
	usePIT      bool // point_in_time_snapshot mode

	snapshotVersion uint64
	changeID        uint64
	moveID          uint64

	mu         sync.Mutex
	delayed    []delayedEntry
	buf        bytes.Buffer
	enc        *gob.Encoder
	byteCount  int
	flushThreshold int

	flushMu      sync.Mutex
	flushCond    *sync.Cond
	lastPushedID uint64
	nextFlushID  uint64

	cancelled bool
	done      chan struct{}

	sink Sink
}

// NewProducer constructs a producer for the given slice and database
// indices, writing flushed chunks to sink.
func NewProducer(slice *dbslice.Slice, dbIndices []int, backend tiered.Backend, sink Sink) *Producer {
	p := &Producer{
		slice:          slice,
		dbIndices:      dbIndices,
		backend:        backend,
		usePIT:         true,
		flushThreshold: 8 << 10,
		done:           make(chan struct{}),
		sink:           sink,
	}
	p.enc = gob.NewEncoder(&p.buf)
	p.flushCond = sync.NewCond(&p.flushMu)
	return p
}

// Start registers the change callback, the move callback (only when
// streamJournal is set and the producer is not in point-in-time mode), and
// spawns the traversal goroutine standing in for the spec's traversal fiber.
func (p *Producer) Start(streamJournal bool) {
	p.snapshotVersion = p.slice.RegisterOnChange(p.onChange)
	p.changeID = p.snapshotVersion
	if streamJournal && !p.usePIT {
		p.slice.RegisterMoveCallback(p.onMove)
	}
	go p.iterateBuckets()
}

// StartIncremental replays the journal from LSN fromLSN up to the current
// head, emits the full-sync cut, then falls back to the ordinary
// traversal-driven Start so subsequent writes stream live (spec.md §4.E
// "Incremental mode").
func (p *Producer) StartIncremental(journalReplay func(from uint64, fn func(rec dbslice.JournalRecord) error) error, fromLSN uint64) {
	if journalReplay != nil {
		_ = journalReplay(fromLSN, func(rec dbslice.JournalRecord) error {
			p.emit(Record{DBIndex: 0, Key: rec.Key, Kind: common.KindString, Str: rec.Value})
			return nil
		})
	}
	p.emit(Record{Marker: "cut"})
	p.Start(true)
}

// onChange is the pre-update call (spec.md §4.C/§4.E "Mutation
// interception"): this implementation always supplies a target bucket
// before the mutation lands (InsertNew notifies before placing, Erase/
// overwrite notify before touching the bucket), so the side-saved copy is
// always of a concrete bucket rather than a bare key.
//
// req.Bucket is handed to us by the same goroutine that is, right now,
// holding the owning prime table's lock (the write lock when InsertNew
// notifies, the read lock when DbSlice's overwrite/delete path notifies
// through CvcUponInsert). Reaching back into that table via
// db.PrimeTable() here would self-deadlock, so this operates on req.Bucket
// directly with the lock-free primetable.ForEachInBucketPtr/Bucket.SetVersion.
func (p *Producer) onChange(req changelog.ChangeRequest) {
	if req.Bucket == nil || req.Bucket.Version() >= p.snapshotVersion {
		return
	}
	db := p.slice.DB(req.DBIndex)
	if db == nil {
		return
	}
	p.serializeBucketPtr(req.DBIndex, db, req.Bucket)
	req.Bucket.SetVersion(p.snapshotVersion)
}

func (p *Producer) onMove(src, dst primetable.Cursor) {
	if p.usePIT {
		return
	}
	// Non-point-in-time mode: a reported move is only counted in moveID.
	// No record is re-serialized for it, whatever the positions of src and
	// dst relative to the traversal.
	p.mu.Lock()
	p.moveID++
	p.mu.Unlock()
}

func (p *Producer) iterateBuckets() {
	defer close(p.done)
	for _, idx := range p.dbIndices {
		db := p.slice.DB(idx)
		if db == nil {
			continue
		}
		p.iterateDB(idx, db)
	}
	p.slice.UnregisterOnChange(p.changeID)
	p.pushSerialized(true)
}

func (p *Producer) iterateDB(dbIndex int, db *dbslice.Database) {
	var cur primetable.Cursor
	for {
		if p.isCancelled() {
			return
		}
		// fn runs while db.PrimeTable() still holds its read lock for this
		// one bucket, so it must not call back into the table's own
		// locking methods (that would deadlock) — it works directly off
		// the b pointer TraverseBuckets already handed it.
		next := db.PrimeTable().TraverseBuckets(cur, func(idx int, b *primetable.Bucket) {
			if b.Version() >= p.snapshotVersion {
				return
			}
			p.slice.FlushEarlier(b.Version(), p.snapshotVersion, changelog.ChangeRequest{DBIndex: dbIndex, Bucket: b, Cursor: primetable.Cursor(idx)})
			p.serializeBucketPtr(dbIndex, db, b)
			b.SetVersion(p.snapshotVersion)
		})
		cur = next
		if p.byteCount > p.flushThreshold {
			p.pushSerialized(false)
		}
		p.backpressureSleep()
		if next == 0 {
			return
		}
	}
}

// serializeBucketPtr serializes every live entry in a bucket the caller
// already has direct access to (see onChange and iterateDB). The bucket's
// version bump to snapshot_version (spec.md §4.E step 3) is done by the
// caller, directly on the same pointer, once this returns.
func (p *Producer) serializeBucketPtr(dbIndex int, db *dbslice.Database, b *primetable.Bucket) {
	primetable.ForEachInBucketPtr(b, func(e *common.Entry) {
		p.serializeEntry(dbIndex, e)
		if at, ok := db.ExpireTable().Get(e.Key); ok {
			p.emit(Record{DBIndex: dbIndex, Key: e.Key, ExpireAtMs: at, Marker: "expire-meta"})
		}
	})
}

func (p *Producer) serializeEntry(dbIndex int, e *common.Entry) {
	if e.Value.Kind == common.KindTiered && p.backend != nil {
		f := p.backend.Read(context.Background(), dbIndex, e.Key, e.Value.Tiered)
		p.mu.Lock()
		p.delayed = append(p.delayed, delayedEntry{dbIndex: dbIndex, key: e.Key, mcflag: e.McFlag, future: f})
		p.mu.Unlock()
		return
	}
	rec := encodeValue(dbIndex, e.Key, e)
	p.emit(rec)
}

func (p *Producer) emit(rec Record) {
	p.mu.Lock()
	_ = p.enc.Encode(&rec)
	p.byteCount = p.buf.Len()
	p.mu.Unlock()
}

// pushSerialized hands the accumulated buffer to the sink, respecting
// sequential flush ordering (spec.md §4.E: "flushes wait on a condition
// variable until last_pushed_id + 1 == my_id"). When force is true, it
// first drains delayed tiered-storage reads, in order.
func (p *Producer) pushSerialized(force bool) int {
	if force {
		p.drainDelayed()
	}

	p.flushMu.Lock()
	p.nextFlushID++
	myID := p.nextFlushID
	for p.lastPushedID+1 != myID {
		p.flushCond.Wait()
	}
	p.flushMu.Unlock()

	p.mu.Lock()
	chunk := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	p.enc = gob.NewEncoder(&p.buf)
	p.byteCount = 0
	p.mu.Unlock()

	n := 0
	if len(chunk) > 0 && p.sink != nil {
		written, _ := p.sink.Write(chunk)
		n = written
	}

	p.flushMu.Lock()
	p.lastPushedID = myID
	p.flushCond.Broadcast()
	p.flushMu.Unlock()
	return n
}

func (p *Producer) drainDelayed() {
	p.mu.Lock()
	delayed := p.delayed
	p.delayed = nil
	p.mu.Unlock()

	for _, d := range delayed {
		data, err := d.future.Await(context.Background())
		if err != nil {
			continue
		}
		p.emit(Record{DBIndex: d.dbIndex, Key: d.key, Kind: common.KindString, Str: data, McFlag: d.mcflag})
	}
}

var lastCPUBurn = 2 * time.Millisecond

// backpressureSleep sleeps for half of lastCPUBurn, capped at 2ms.
// lastCPUBurn is a fixed 2ms, so every call sleeps 1ms; the producer does
// not measure its own CPU time.
func (p *Producer) backpressureSleep() {
	d := lastCPUBurn / 2
	if d > 2*time.Millisecond {
		d = 2 * time.Millisecond
	}
	time.Sleep(d)
}

func (p *Producer) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// Finalize implements finalize_journal_stream(cancel): unregisters the
// journal hook (left to the caller, which owns the journal.Writer),
// joins the traversal goroutine, and — unless cancelled — force-flushes.
// It returns nothing and writes no final journal offset.
func (p *Producer) Finalize(cancel bool) {
	p.mu.Lock()
	p.cancelled = cancel
	p.mu.Unlock()
	<-p.done
	if !cancel {
		p.pushSerialized(true)
	}
}

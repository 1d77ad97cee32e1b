package common

// ValueKind tags the union stored against a key in the prime table.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindList
	KindSet
	KindHash
	KindSortedSet
	KindStream
	KindJSON
	KindTiered // descriptor into tiered storage; see internal/tiered
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindSet:
		return "set"
	case KindHash:
		return "hash"
	case KindSortedSet:
		return "zset"
	case KindStream:
		return "stream"
	case KindJSON:
		return "json"
	case KindTiered:
		return "tiered"
	default:
		return "unknown"
	}
}

// StreamEntry is one append-only record of a stream value. Consumer-group
// semantics are out of this repository's scope (spec.md §1); only the
// storage representation is kept so DbSlice can hold, journal and snapshot
// stream values.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// TieredRef is a descriptor pointing at a value offloaded to tiered storage.
type TieredRef struct {
	Handle uint64
	Cool   bool // value is tiered but still shadowed in memory
}

// Value is the tagged union over the fixed set of value kinds a key may
// hold. Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind

	Str    []byte
	List   [][]byte
	Set    map[string]struct{}
	Hash   map[string][]byte
	ZSet   SortedSetValue
	Stream []StreamEntry
	JSON   interface{}
	Tiered TieredRef
}

// SortedSetValue is implemented by internal/sortedset.Set; declared here to
// avoid an import cycle between common and sortedset.
type SortedSetValue interface {
	Len() int
	HeapUse() int64
}

// NewStringValue builds a Value holding a raw string/byte payload.
func NewStringValue(b []byte) Value {
	return Value{Kind: KindString, Str: b}
}

// HeapUse estimates the bytes this value occupies on the heap, used to keep
// DbSlice's memory budget exact (invariant I6).
func (v Value) HeapUse() int64 {
	switch v.Kind {
	case KindString:
		return int64(len(v.Str))
	case KindList:
		n := int64(0)
		for _, e := range v.List {
			n += int64(len(e)) + 24 // slice header overhead, conservative
		}
		return n
	case KindSet:
		n := int64(0)
		for k := range v.Set {
			n += int64(len(k)) + 16
		}
		return n
	case KindHash:
		n := int64(0)
		for k, val := range v.Hash {
			n += int64(len(k)) + int64(len(val)) + 32
		}
		return n
	case KindSortedSet:
		if v.ZSet != nil {
			return v.ZSet.HeapUse()
		}
		return 0
	case KindStream:
		n := int64(0)
		for _, e := range v.Stream {
			n += int64(len(e.ID))
			for fk, fv := range e.Fields {
				n += int64(len(fk)) + int64(len(fv))
			}
		}
		return n
	case KindJSON:
		return 64 // conservative flat estimate; exact accounting is a command-layer concern
	case KindTiered:
		return 16
	default:
		return 0
	}
}

// IsBulky reports whether the value is large enough that deleting it should
// be deferred to an idle-time task instead of done atomically (see
// internal/dbslice/idledelete.go, Open Question (b) in SPEC_FULL.md).
func (v Value) IsBulky() bool {
	const bulkyThreshold = 4096
	switch v.Kind {
	case KindSet:
		return len(v.Set) > 0 && v.HeapUse() > bulkyThreshold
	case KindHash:
		return len(v.Hash) > 0 && v.HeapUse() > bulkyThreshold
	default:
		return false
	}
}

// Package pubsub implements the RCU-style publish/subscribe channel store
// of spec.md §4.F: exact-channel and glob-pattern subscriber maps published
// behind a single atomic control-block pointer so readers never lock.
//
// Grounded on the teacher's internal/engine/replication/manager.go
// broadcast-then-reclaim idiom (gossip refresh followed by cleanup) for
// the "broadcast, then free orphaned maps only after the broadcast
// returns" sequencing; the glob matching itself uses the standard
// library's path.Match, since the retrieval pack carries no dedicated glob
// library — closest stdlib equivalent to the Redis-style pattern syntax
// spec.md calls for.
package pubsub

import (
	"path"
	"sort"
	"sync"
	"sync/atomic"
)

// Subscriber identifies one connection on one owning thread/shard, mirroring
// spec.md §4.F's (connection_ref, thread_id) pair.
type Subscriber struct {
	ConnID   uint64
	ThreadID int
	Deliver  func(channel string, payload []byte)
}

// subscribeMap is one channel/pattern's subscriber set.
type subscribeMap map[string][]Subscriber

// controlBlock is the RCU-published pair of maps; readers dereference the
// atomic pointer once and work entirely off that snapshot.
type controlBlock struct {
	channels subscribeMap
	patterns subscribeMap
}

// Store is the shard-wide channel/pattern registry.
type Store struct {
	cb atomic.Pointer[controlBlock]

	writeMu sync.Mutex // serializes writers; readers never take this

	broadcast func() // refreshes every shard thread's cached *controlBlock

	budgetMu sync.Mutex
	budgetCV *sync.Cond
	outbound map[int]int // per-thread queued-message count
	budget   int         // per-thread outbound budget before Publish blocks
}

func New(broadcast func(), perThreadBudget int) *Store {
	s := &Store{
		broadcast: broadcast,
		outbound:  make(map[int]int),
		budget:    perThreadBudget,
	}
	s.budgetCV = sync.NewCond(&s.budgetMu)
	s.cb.Store(&controlBlock{channels: subscribeMap{}, patterns: subscribeMap{}})
	return s
}

func cloneMap(m subscribeMap) subscribeMap {
	out := make(subscribeMap, len(m))
	for k, v := range m {
		cp := make([]Subscriber, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Subscribe adds sub to channel's subscriber set.
func (s *Store) Subscribe(channel string, sub Subscriber) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := s.cb.Load()
	next := &controlBlock{channels: cloneMap(old.channels), patterns: old.patterns}
	next.channels[channel] = append(next.channels[channel], sub)
	s.publish(next)
}

// Unsubscribe removes connID's subscription to channel.
func (s *Store) Unsubscribe(channel string, connID uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := s.cb.Load()
	next := &controlBlock{channels: cloneMap(old.channels), patterns: old.patterns}
	next.channels[channel] = removeSub(next.channels[channel], connID)
	if len(next.channels[channel]) == 0 {
		delete(next.channels, channel)
	}
	s.publish(next)
}

// PSubscribe adds sub as a listener on glob pattern.
func (s *Store) PSubscribe(pattern string, sub Subscriber) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := s.cb.Load()
	next := &controlBlock{channels: old.channels, patterns: cloneMap(old.patterns)}
	next.patterns[pattern] = append(next.patterns[pattern], sub)
	s.publish(next)
}

// PUnsubscribe removes connID's subscription to pattern.
func (s *Store) PUnsubscribe(pattern string, connID uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := s.cb.Load()
	next := &controlBlock{channels: old.channels, patterns: cloneMap(old.patterns)}
	next.patterns[pattern] = removeSub(next.patterns[pattern], connID)
	if len(next.patterns[pattern]) == 0 {
		delete(next.patterns, pattern)
	}
	s.publish(next)
}

func removeSub(subs []Subscriber, connID uint64) []Subscriber {
	out := subs[:0]
	for _, s := range subs {
		if s.ConnID != connID {
			out = append(out, s)
		}
	}
	return out
}

// publish installs next, broadcasts the refresh to every shard thread, and
// only then lets the old maps become garbage — spec.md §4.F steps 3-5.
func (s *Store) publish(next *controlBlock) {
	s.cb.Store(next)
	if s.broadcast != nil {
		s.broadcast()
	}
	// old maps (and any orphaned per-slot data) are now unreachable and
	// collected by the ordinary GC; no freelist is needed in Go the way the
	// teacher's C-level analogue would require one.
}

// FetchSubscribers implements fetch_subscribers: the union of exact-match
// subscribers and every pattern-matching subscriber for channel, sorted by
// owning thread id so a single cross-thread dispatch per thread suffices.
func (s *Store) FetchSubscribers(channel string) []Subscriber {
	cb := s.cb.Load()
	var out []Subscriber
	out = append(out, cb.channels[channel]...)
	for pattern, subs := range cb.patterns {
		if ok, _ := path.Match(pattern, channel); ok {
			out = append(out, subs...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}

// SendMessages implements send_messages: for each distinct owning thread,
// checks that thread's outbound budget (blocking here rather than
// overrunning consumers), then dispatches the message to every one of that
// thread's subscribers. Returns the number of subscribers messaged.
func (s *Store) SendMessages(channel string, payload []byte) int {
	subs := s.FetchSubscribers(channel)
	if len(subs) == 0 {
		return 0
	}

	byThread := make(map[int][]Subscriber)
	for _, sub := range subs {
		byThread[sub.ThreadID] = append(byThread[sub.ThreadID], sub)
	}

	messaged := 0
	for threadID, group := range byThread {
		s.waitForBudget(threadID, len(group))
		for _, sub := range group {
			if sub.Deliver != nil {
				sub.Deliver(channel, payload)
			}
			messaged++
		}
		s.releaseBudget(threadID, len(group))
	}
	return messaged
}

// Publish is the EventSink entry point dbslice.Slice uses for keyspace
// notifications; it's SendMessages under the name the spec's external
// interface uses.
func (s *Store) Publish(channel string, payload []byte) int {
	return s.SendMessages(channel, payload)
}

func (s *Store) waitForBudget(threadID, n int) {
	if s.budget <= 0 {
		return
	}
	s.budgetMu.Lock()
	for s.outbound[threadID]+n > s.budget {
		s.budgetCV.Wait()
	}
	s.outbound[threadID] += n
	s.budgetMu.Unlock()
}

func (s *Store) releaseBudget(threadID, n int) {
	if s.budget <= 0 {
		return
	}
	s.budgetMu.Lock()
	s.outbound[threadID] -= n
	s.budgetMu.Unlock()
	s.budgetCV.Broadcast()
}

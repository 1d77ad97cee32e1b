// Package sortedset implements the sorted-structure substrate of spec.md
// §4.G: a member->score hash paired with an ordered structure keyed by
// (score, member), kept in lockstep (every member in one is in the other).
//
// Grounded directly on the teacher's shared/ds/skiplist/skiplist.go: same
// leveled skiplist with span-based O(log n) rank queries, extended here
// with the GT/LT/NX/XX/INCR add-flags spec.md §4.G requires and a packed
// small-size representation used below a size threshold.
package sortedset

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/jorge882/dragonfly/internal/common"
)

const (
	maxLevel        = 32
	p               = 0.25
	packedThreshold = 128 // up to this cardinality, use the packed list form
)

// AddFlags control conditional ZADD-style semantics.
type AddFlags struct {
	NX, XX, GT, LT, INCR bool
}

// Element is one (member, score) pair returned by range queries.
type Element struct {
	Member string
	Score  float64
}

type node struct {
	member string
	score  float64
	next   []*node
	span   []int
}

// Set is the hash+skiplist pair. It satisfies common.SortedSetValue.
type Set struct {
	mu     sync.RWMutex
	head   *node
	level  int
	length int
	dict   map[string]float64

	packed       bool
	packedMember []string
	packedScore  []float64
}

var _ common.SortedSetValue = (*Set)(nil)

func New() *Set {
	return &Set{
		head: &node{
			next: make([]*node, maxLevel),
			span: make([]int, maxLevel),
		},
		level:  1,
		dict:   make(map[string]float64),
		packed: true,
	}
}

func randomLevel() int {
	lvl := 1
	for rand.Float64() < p && lvl < maxLevel {
		lvl++
	}
	return lvl
}

// Add applies flags and returns the resulting score and whether the add was
// applied (false for a skipped NX/XX/GT/LT condition).
func (s *Set) Add(member string, score float64, flags AddFlags) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.getScoreLocked(member)

	if flags.NX && exists {
		return cur, false
	}
	if flags.XX && !exists {
		return 0, false
	}

	newScore := score
	if flags.INCR {
		newScore = cur + score
	}
	if exists {
		if flags.GT && newScore <= cur {
			return cur, false
		}
		if flags.LT && newScore >= cur {
			return cur, false
		}
	}

	s.setLocked(member, newScore)
	return newScore, true
}

func (s *Set) getScoreLocked(member string) (float64, bool) {
	if s.packed {
		for i, m := range s.packedMember {
			if m == member {
				return s.packedScore[i], true
			}
		}
		return 0, false
	}
	v, ok := s.dict[member]
	return v, ok
}

func (s *Set) setLocked(member string, score float64) {
	if s.packed {
		for i, m := range s.packedMember {
			if m == member {
				s.packedScore[i] = score
				return
			}
		}
		s.packedMember = append(s.packedMember, member)
		s.packedScore = append(s.packedScore, score)
		if len(s.packedMember) > packedThreshold {
			s.unpackLocked()
		}
		return
	}

	if curScore, exists := s.dict[member]; exists {
		if curScore == score {
			return
		}
		s.deleteSkipLocked(member, curScore)
	}
	s.dict[member] = score
	s.insertSkipLocked(member, score)
}

func (s *Set) unpackLocked() {
	members := s.packedMember
	scores := s.packedScore
	s.packed = false
	s.dict = make(map[string]float64, len(members))
	for i, m := range members {
		s.dict[m] = scores[i]
		s.insertSkipLocked(m, scores[i])
	}
	s.packedMember = nil
	s.packedScore = nil
}

func (s *Set) insertSkipLocked(member string, score float64) {
	update := make([]*node, maxLevel)
	rank := make([]int, maxLevel)
	x := s.head

	for i := s.level - 1; i >= 0; i-- {
		if i == s.level-1 {
			rank[i] = 0
		} else {
			rank[i] = rank[i+1]
		}
		for x.next[i] != nil && (x.next[i].score < score || (x.next[i].score == score && x.next[i].member < member)) {
			rank[i] += x.span[i]
			x = x.next[i]
		}
		update[i] = x
	}

	lvl := randomLevel()
	if lvl > s.level {
		for i := s.level; i < lvl; i++ {
			rank[i] = 0
			update[i] = s.head
			update[i].span[i] = s.length
		}
		s.level = lvl
	}

	x = &node{member: member, score: score, next: make([]*node, lvl), span: make([]int, lvl)}
	for i := 0; i < lvl; i++ {
		x.next[i] = update[i].next[i]
		update[i].next[i] = x
		x.span[i] = update[i].span[i] - (rank[0] - rank[i])
		update[i].span[i] = (rank[0] - rank[i]) + 1
	}
	for i := lvl; i < s.level; i++ {
		update[i].span[i]++
	}
	s.length++
}

func (s *Set) deleteSkipLocked(member string, score float64) {
	update := make([]*node, maxLevel)
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.next[i] != nil && (x.next[i].score < score || (x.next[i].score == score && x.next[i].member < member)) {
			x = x.next[i]
		}
		update[i] = x
	}
	x = x.next[0]
	if x != nil && x.score == score && x.member == member {
		for i := 0; i < s.level; i++ {
			if update[i].next[i] == x {
				update[i].span[i] += x.span[i] - 1
				update[i].next[i] = x.next[i]
			} else {
				update[i].span[i]--
			}
		}
		for s.level > 1 && s.head.next[s.level-1] == nil {
			s.level--
		}
		s.length--
	}
}

// Delete removes member, returning whether it was present.
func (s *Set) Delete(member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.packed {
		for i, m := range s.packedMember {
			if m == member {
				s.packedMember = append(s.packedMember[:i], s.packedMember[i+1:]...)
				s.packedScore = append(s.packedScore[:i], s.packedScore[i+1:]...)
				return true
			}
		}
		return false
	}

	score, exists := s.dict[member]
	if !exists {
		return false
	}
	s.deleteSkipLocked(member, score)
	delete(s.dict, member)
	return true
}

// Score returns member's score.
func (s *Set) Score(member string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getScoreLocked(member)
}

// Rank returns member's 0-based rank by ascending score, or -1.
func (s *Set) Rank(member string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.packed {
		score, ok := s.getScoreLocked(member)
		if !ok {
			return -1
		}
		type pair struct {
			m string
			sc float64
		}
		pairs := make([]pair, len(s.packedMember))
		for i := range s.packedMember {
			pairs[i] = pair{s.packedMember[i], s.packedScore[i]}
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].sc != pairs[j].sc {
				return pairs[i].sc < pairs[j].sc
			}
			return pairs[i].m < pairs[j].m
		})
		for i, pr := range pairs {
			if pr.m == member && pr.sc == score {
				return i
			}
		}
		return -1
	}

	score, exists := s.dict[member]
	if !exists {
		return -1
	}
	rank := 0
	x := s.head
	for i := s.level - 1; i >= 0; i-- {
		for x.next[i] != nil && (x.next[i].score < score || (x.next[i].score == score && x.next[i].member <= member)) {
			rank += x.span[i]
			x = x.next[i]
		}
	}
	return rank - 1
}

// Range returns elements with 0-based rank in [start, stop] inclusive,
// supporting negative indices counted from the end (Redis ZRANGE style).
func (s *Set) Range(start, stop int) []Element {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.packed {
		return s.rangePackedLocked(start, stop)
	}

	if start < 0 {
		start = s.length + start
	}
	if stop < 0 {
		stop = s.length + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= s.length || start > stop {
		return nil
	}

	x := s.head
	accumulated := 0
	for i := s.level - 1; i >= 0; i-- {
		for x.next[i] != nil && accumulated+x.span[i] <= start {
			accumulated += x.span[i]
			x = x.next[i]
		}
	}
	x = x.next[0]

	limit := stop - start + 1
	result := make([]Element, 0, limit)
	for x != nil && limit > 0 {
		result = append(result, Element{Member: x.member, Score: x.score})
		x = x.next[0]
		limit--
	}
	return result
}

func (s *Set) rangePackedLocked(start, stop int) []Element {
	n := len(s.packedMember)
	type pair struct {
		m  string
		sc float64
	}
	pairs := make([]pair, n)
	for i := 0; i < n; i++ {
		pairs[i] = pair{s.packedMember[i], s.packedScore[i]}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].sc != pairs[j].sc {
			return pairs[i].sc < pairs[j].sc
		}
		return pairs[i].m < pairs[j].m
	})
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if start >= n || start > stop {
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	result := make([]Element, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		result = append(result, Element{Member: pairs[i].m, Score: pairs[i].sc})
	}
	return result
}

// Len returns the cardinality of the set.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.packed {
		return len(s.packedMember)
	}
	return s.length
}

// HeapUse estimates the set's heap footprint for DbSlice's memory
// accounting (invariant I6).
func (s *Set) HeapUse() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.length
	if s.packed {
		n = len(s.packedMember)
	}
	return int64(n) * 48 // conservative flat per-member estimate
}

// Package index holds the sparse existence index used to answer "does the
// server hold anything here" for single points and whole ranges.
package index

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// Point is an integer point; axes past the set's dimensionality are ignored.
type Point [3]int32

const levels = 33

type node [3]uint32

type rwLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type noLock struct{}

func (noLock) Lock()    {}
func (noLock) Unlock()  {}
func (noLock) RLock()   {}
func (noLock) RUnlock() {}

// Set is an N-dimensional segment tree over the 32-bit coordinate space. Level
// L holds every occupied point shifted right by L together with the number of
// points below it, so range queries skip whole subtrees.
type Set struct {
	dims  int
	mu    rwLocker
	nodes [levels]map[node]uint32
}

// New creates a set with 1 to 3 dimensions. A concurrent set may be shared
// between goroutines.
func New(dims int, concurrent bool) *Set {
	if dims < 1 || dims > 3 {
		panic(fmt.Sprintf("index: unsupported dimensionality %d", dims))
	}
	s := &Set{dims: dims, mu: noLock{}}
	if concurrent {
		s.mu = &deadlock.RWMutex{}
	}
	for i := range s.nodes {
		s.nodes[i] = make(map[node]uint32)
	}
	return s
}

func (s *Set) Dims() int { return s.dims }

func (s *Set) key(p Point) node {
	var n node
	for i := 0; i < s.dims; i++ {
		n[i] = uint32(p[i]) ^ 0x80000000
	}
	return n
}

func (s *Set) point(n node) Point {
	var p Point
	for i := 0; i < s.dims; i++ {
		p[i] = int32(n[i] ^ 0x80000000)
	}
	return p
}

func shifted(n node, level int) node {
	return node{n[0] >> level, n[1] >> level, n[2] >> level}
}

// Add inserts p and reports whether the set changed.
func (s *Set) Add(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(s.key(p))
}

func (s *Set) addLocked(k node) bool {
	if _, ok := s.nodes[0][k]; ok {
		return false
	}
	for l := 0; l < levels; l++ {
		s.nodes[l][shifted(k, l)]++
	}
	return true
}

// Remove deletes p and reports whether the set changed.
func (s *Set) Remove(p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(p)
	if _, ok := s.nodes[0][k]; !ok {
		return false
	}
	for l := 0; l < levels; l++ {
		sk := shifted(k, l)
		c := s.nodes[l][sk]
		if c <= 1 {
			delete(s.nodes[l], sk)
		} else {
			s.nodes[l][sk] = c - 1
		}
	}
	return true
}

func (s *Set) Contains(p Point) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[0][s.key(p)]
	return ok
}

// Count is the number of points in the set.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes[0])
}

func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		s.nodes[i] = make(map[node]uint32)
	}
}

// Each calls fn for every point until fn returns false. Iteration order is unspecified.
func (s *Set) Each(fn func(Point) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.nodes[0] {
		if !fn(s.point(k)) {
			return
		}
	}
}

// bounds converts an inclusive signed range to biased form; ok is false for an empty range.
func (s *Set) bounds(lo, hi Point) (blo, bhi [3]uint64, ok bool) {
	for i := 0; i < s.dims; i++ {
		if lo[i] > hi[i] {
			return blo, bhi, false
		}
		blo[i] = uint64(uint32(lo[i]) ^ 0x80000000)
		bhi[i] = uint64(uint32(hi[i]) ^ 0x80000000)
	}
	return blo, bhi, true
}

// classify reports whether the subtree rooted at n on level l is disjoint from
// the range, and if not, whether it lies fully inside it.
func (s *Set) classify(n node, l int, lo, hi [3]uint64) (disjoint, inside bool) {
	inside = true
	for i := 0; i < s.dims; i++ {
		nlo := uint64(n[i]) << l
		nhi := nlo + (uint64(1) << l) - 1
		if nhi < lo[i] || nlo > hi[i] {
			return true, false
		}
		if nlo < lo[i] || nhi > hi[i] {
			inside = false
		}
	}
	return false, inside
}

func (s *Set) children(n node, fn func(node) bool) bool {
	for mask := 0; mask < 1<<s.dims; mask++ {
		var c node
		for i := 0; i < s.dims; i++ {
			c[i] = n[i]<<1 | uint32(mask>>i)&1
		}
		if !fn(c) {
			return false
		}
	}
	return true
}

// CountInRange counts points p with lo <= p <= hi on every axis.
func (s *Set) CountInRange(lo, hi Point) uint64 {
	blo, bhi, ok := s.bounds(lo, hi)
	if !ok {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countIn(levels-1, node{}, blo, bhi)
}

func (s *Set) countIn(l int, n node, lo, hi [3]uint64) uint64 {
	cnt, ok := s.nodes[l][n]
	if !ok {
		return 0
	}
	disjoint, inside := s.classify(n, l, lo, hi)
	if disjoint {
		return 0
	}
	if inside {
		return uint64(cnt)
	}
	var sum uint64
	s.children(n, func(c node) bool {
		sum += s.countIn(l-1, c, lo, hi)
		return true
	})
	return sum
}

// ContainsAny reports whether any point lies in the inclusive range [lo, hi].
func (s *Set) ContainsAny(lo, hi Point) bool {
	blo, bhi, ok := s.bounds(lo, hi)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anyIn(levels-1, node{}, blo, bhi)
}

func (s *Set) anyIn(l int, n node, lo, hi [3]uint64) bool {
	if _, ok := s.nodes[l][n]; !ok {
		return false
	}
	disjoint, inside := s.classify(n, l, lo, hi)
	if disjoint {
		return false
	}
	if inside {
		return true
	}
	found := false
	s.children(n, func(c node) bool {
		found = s.anyIn(l-1, c, lo, hi)
		return !found
	})
	return found
}

// AddAllInRange inserts every point of the inclusive range and returns how
// many were new. The cost is proportional to the range volume.
func (s *Set) AddAllInRange(lo, hi Point) uint64 {
	if _, _, ok := s.bounds(lo, hi); !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var added uint64
	var cur Point
	var walk func(axis int)
	walk = func(axis int) {
		if axis == s.dims {
			if s.addLocked(s.key(cur)) {
				added++
			}
			return
		}
		for v := int64(lo[axis]); v <= int64(hi[axis]); v++ {
			cur[axis] = int32(v)
			walk(axis + 1)
		}
	}
	walk(0)
	return added
}

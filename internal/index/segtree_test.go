package index

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type refSet map[Point]struct{}

func (r refSet) count(dims int, lo, hi Point) uint64 {
	var n uint64
	for p := range r {
		in := true
		for i := 0; i < dims; i++ {
			if p[i] < lo[i] || p[i] > hi[i] {
				in = false
				break
			}
		}
		if in {
			n++
		}
	}
	return n
}

func randomPoint(r *rand.Rand, dims int, small bool) Point {
	var p Point
	for i := 0; i < dims; i++ {
		if small {
			p[i] = int32(r.Intn(1001) - 500)
		} else {
			p[i] = int32(r.Uint32())
		}
	}
	return p
}

func orderedRange(r *rand.Rand, dims int, small bool) (Point, Point) {
	a, b := randomPoint(r, dims, small), randomPoint(r, dims, small)
	for i := 0; i < dims; i++ {
		if a[i] > b[i] {
			a[i], b[i] = b[i], a[i]
		}
	}
	return a, b
}

func checkAgainstReference(t *testing.T, dims int, small bool, seed int64) {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	s := New(dims, false)
	ref := refSet{}

	for i := 0; i < 2000; i++ {
		p := randomPoint(r, dims, small)
		_, had := ref[p]
		if r.Intn(3) == 0 {
			require.Equal(t, had, s.Remove(p))
			delete(ref, p)
		} else {
			require.Equal(t, !had, s.Add(p))
			ref[p] = struct{}{}
		}
	}
	require.Equal(t, len(ref), s.Count())
	for p := range ref {
		require.True(t, s.Contains(p))
	}
	for i := 0; i < 200; i++ {
		p := randomPoint(r, dims, small)
		_, had := ref[p]
		require.Equal(t, had, s.Contains(p))
	}
	for i := 0; i < 300; i++ {
		lo, hi := orderedRange(r, dims, small)
		want := ref.count(dims, lo, hi)
		require.Equal(t, want, s.CountInRange(lo, hi), "range %v..%v", lo, hi)
		require.Equal(t, want > 0, s.ContainsAny(lo, hi))
	}
	for p := range ref {
		require.EqualValues(t, 1, s.CountInRange(p, p))
		require.True(t, s.ContainsAny(p, p))
	}
}

func TestSet_MatchesReference(t *testing.T) {
	for dims := 1; dims <= 3; dims++ {
		checkAgainstReference(t, dims, true, int64(dims))
		checkAgainstReference(t, dims, false, int64(10+dims))
	}
}

func TestSet_DuplicateAddRemove(t *testing.T) {
	s := New(2, false)
	p := Point{3, -4}
	require.True(t, s.Add(p))
	require.False(t, s.Add(p))
	require.Equal(t, 1, s.Count())
	require.True(t, s.Remove(p))
	require.False(t, s.Remove(p))
	require.Equal(t, 0, s.Count())
	require.False(t, s.ContainsAny(Point{math.MinInt32, math.MinInt32}, Point{math.MaxInt32, math.MaxInt32}))
}

func TestSet_CoordinateExtremes(t *testing.T) {
	s := New(3, false)
	corners := []Point{
		{math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32},
		{math.MinInt32, math.MaxInt32, 0},
		{-1, 0, 1},
	}
	for _, p := range corners {
		require.True(t, s.Add(p))
	}
	all := s.CountInRange(Point{math.MinInt32, math.MinInt32, math.MinInt32}, Point{math.MaxInt32, math.MaxInt32, math.MaxInt32})
	require.EqualValues(t, len(corners), all)

	require.EqualValues(t, 1, s.CountInRange(Point{math.MaxInt32, math.MaxInt32, math.MaxInt32}, Point{math.MaxInt32, math.MaxInt32, math.MaxInt32}))
	require.EqualValues(t, 2, s.CountInRange(Point{math.MinInt32, math.MinInt32, math.MinInt32}, Point{math.MinInt32, math.MaxInt32, 0}))
	require.EqualValues(t, 1, s.CountInRange(Point{-1, -1, -1}, Point{0, 0, 1}))
	require.False(t, s.ContainsAny(Point{-1, 1, 1}, Point{0, 1, 1}))
}

func TestSet_EmptyAndInvertedRanges(t *testing.T) {
	s := New(2, false)
	s.Add(Point{0, 0})
	require.EqualValues(t, 0, s.CountInRange(Point{1, 0}, Point{0, 0}))
	require.False(t, s.ContainsAny(Point{0, 1}, Point{0, 0}))
	require.EqualValues(t, 0, s.AddAllInRange(Point{5, 5}, Point{4, 5}))
}

func TestSet_AddAllInRange(t *testing.T) {
	s := New(2, false)
	s.Add(Point{1, 1})
	added := s.AddAllInRange(Point{0, 0}, Point{2, 2})
	require.EqualValues(t, 8, added)
	require.Equal(t, 9, s.Count())
	require.EqualValues(t, 4, s.CountInRange(Point{1, 1}, Point{5, 5}))

	edge := New(1, false)
	require.EqualValues(t, 2, edge.AddAllInRange(Point{math.MaxInt32 - 1}, Point{math.MaxInt32}))
	require.True(t, edge.Contains(Point{math.MaxInt32}))
}

func TestSet_IgnoresUnusedAxes(t *testing.T) {
	s := New(2, false)
	require.True(t, s.Add(Point{1, 2, 99}))
	require.True(t, s.Contains(Point{1, 2, -7}))
	var seen []Point
	s.Each(func(p Point) bool {
		seen = append(seen, p)
		return true
	})
	require.Equal(t, []Point{{1, 2, 0}}, seen)
}

func TestSet_ConcurrentUse(t *testing.T) {
	s := New(3, true)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p := Point{int32(g), int32(i), 0}
				s.Add(p)
				_ = s.ContainsAny(Point{0, 0, 0}, Point{7, 199, 0})
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, 8*200, s.Count())
	require.EqualValues(t, 8*200, s.CountInRange(Point{0, 0, 0}, Point{7, 199, 0}))
}

package tile

import "fmt"

// Box is an axis-aligned range of tiles at one level. Max is exclusive.
type Box struct {
	Level uint8
	Min   [3]int32
	Max   [3]int32
}

func (b Box) String() string {
	return fmt.Sprintf("L%d[%v..%v)", b.Level, b.Min, b.Max)
}

func (b Box) Empty() bool {
	for i := 0; i < 3; i++ {
		if b.Min[i] >= b.Max[i] {
			return true
		}
	}
	return false
}

func (b Box) Contains(p Pos) bool {
	if p.Level != b.Level {
		return false
	}
	c := p.Coords()
	for i := 0; i < 3; i++ {
		if c[i] < b.Min[i] || c[i] >= b.Max[i] {
			return false
		}
	}
	return true
}

// Volume is the number of tiles in the box.
func (b Box) Volume() int64 {
	if b.Empty() {
		return 0
	}
	v := int64(1)
	for i := 0; i < 3; i++ {
		v *= int64(b.Max[i]) - int64(b.Min[i])
	}
	return v
}

func (b Box) Intersect(o Box) (Box, bool) {
	if b.Level != o.Level {
		return Box{}, false
	}
	out := Box{Level: b.Level}
	for i := 0; i < 3; i++ {
		out.Min[i] = max(b.Min[i], o.Min[i])
		out.Max[i] = min(b.Max[i], o.Max[i])
	}
	if out.Empty() {
		return Box{}, false
	}
	return out, true
}

// Subtract returns disjoint boxes covering b minus o.
func (b Box) Subtract(o Box) []Box {
	if b.Empty() {
		return nil
	}
	inter, ok := b.Intersect(o)
	if !ok {
		return []Box{b}
	}
	var out []Box
	rem := b
	for axis := 0; axis < 3; axis++ {
		if rem.Min[axis] < inter.Min[axis] {
			s := rem
			s.Max[axis] = inter.Min[axis]
			out = append(out, s)
			rem.Min[axis] = inter.Min[axis]
		}
		if rem.Max[axis] > inter.Max[axis] {
			s := rem
			s.Min[axis] = inter.Max[axis]
			out = append(out, s)
			rem.Max[axis] = inter.Max[axis]
		}
	}
	return out
}

// Each calls fn for every position in the box in X, Y, Z order until fn returns false.
func (b Box) Each(fn func(Pos) bool) bool {
	if b.Empty() {
		return true
	}
	for x := int64(b.Min[0]); x < int64(b.Max[0]); x++ {
		for y := int64(b.Min[1]); y < int64(b.Max[1]); y++ {
			for z := int64(b.Min[2]); z < int64(b.Max[2]); z++ {
				if !fn(Pos{Level: b.Level, X: int32(x), Y: int32(y), Z: int32(z)}) {
					return false
				}
			}
		}
	}
	return true
}

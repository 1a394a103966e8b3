package tile

import (
	"fmt"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/mathx"
)

const (
	TileShift  = 4
	TileVoxels = 1 << TileShift

	// MaxLevels bounds detail levels so level shifts stay inside 32 bits.
	MaxLevels = 32 - TileShift
)

// Profile selects the tile dimensionality. Profile2D tiles always have Y == 0.
type Profile uint8

const (
	Profile2D Profile = 2
	Profile3D Profile = 3
)

func (p Profile) Dims() int { return int(p) }

func (p Profile) Valid() bool { return p == Profile2D || p == Profile3D }

func (p Profile) String() string {
	switch p {
	case Profile2D:
		return "2d"
	case Profile3D:
		return "3d"
	default:
		return fmt.Sprintf("profile(%d)", uint8(p))
	}
}

// ParseProfile accepts "2d"/"3d" (and the bare digits).
func ParseProfile(s string) (Profile, error) {
	switch s {
	case "2d", "2D", "2":
		return Profile2D, nil
	case "3d", "3D", "3":
		return Profile3D, nil
	}
	return 0, fmt.Errorf("unknown tile profile %q", s)
}

// Pos addresses one tile at one detail level.
type Pos struct {
	Level uint8
	X     int32
	Y     int32
	Z     int32
}

func (p Pos) String() string {
	return fmt.Sprintf("L%d(%d,%d,%d)", p.Level, p.X, p.Y, p.Z)
}

// Compare orders level-major, then X, Y, Z.
func Compare(a, b Pos) int {
	switch {
	case a.Level != b.Level:
		return cmp32(int32(a.Level), int32(b.Level))
	case a.X != b.X:
		return cmp32(a.X, b.X)
	case a.Y != b.Y:
		return cmp32(a.Y, b.Y)
	default:
		return cmp32(a.Z, b.Z)
	}
}

func (p Pos) Less(o Pos) bool { return Compare(p, o) < 0 }

func cmp32(a, b int32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Up returns the tile one level coarser that contains p.
func (p Pos) Up() Pos {
	return Pos{Level: p.Level + 1, X: p.X >> 1, Y: p.Y >> 1, Z: p.Z >> 1}
}

// ManhattanTo is the tile-space Manhattan distance to o, ignoring levels.
func (p Pos) ManhattanTo(o Pos) int64 {
	return mathx.AbsInt64(int64(p.X)-int64(o.X)) +
		mathx.AbsInt64(int64(p.Y)-int64(o.Y)) +
		mathx.AbsInt64(int64(p.Z)-int64(o.Z))
}

// Axis returns coordinate i (0=X, 1=Y, 2=Z).
func (p Pos) Axis(i int) int32 {
	switch i {
	case 0:
		return p.X
	case 1:
		return p.Y
	default:
		return p.Z
	}
}

// Coords returns X, Y, Z as an array.
func (p Pos) Coords() [3]int32 { return [3]int32{p.X, p.Y, p.Z} }

func FromCoords(level uint8, c [3]int32) Pos {
	return Pos{Level: level, X: c[0], Y: c[1], Z: c[2]}
}

// MinVoxel is the voxel-space corner of the tile.
func (p Pos) MinVoxel() [3]int64 {
	shift := uint(TileShift + int(p.Level))
	return [3]int64{int64(p.X) << shift, int64(p.Y) << shift, int64(p.Z) << shift}
}

package gen

import (
	"context"
	"testing"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
)

func TestRLE(t *testing.T) {
	in := []int64{0, 0, 0, 5, 5, -3, 7, 7, 7, 7}
	raw := AppendRLE(nil, in)
	out, err := DecodeRLE(raw, len(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len=%d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("out[%d]=%d want %d", i, out[i], in[i])
		}
	}
	if _, err := DecodeRLE(raw, len(in)-1); err == nil {
		t.Fatalf("expected limit error")
	}
	if _, err := DecodeRLE([]byte{0x80}, 10); err == nil {
		t.Fatalf("expected truncated varint error")
	}
}

func TestTerrain_Deterministic(t *testing.T) {
	a := New(Config{Seed: 42, Profile: tile.Profile3D})
	b := New(Config{Seed: 42, Profile: tile.Profile3D})
	pos := tile.Pos{Level: 0, X: 3, Y: 4, Z: -2}
	pa, err := a.Generate(context.Background(), pos)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pb, _ := b.Generate(context.Background(), pos)
	if string(pa) != string(pb) {
		t.Fatalf("same seed produced different payloads")
	}
}

func TestTerrain_HeightmapProfile(t *testing.T) {
	g := New(Config{Seed: 7, Profile: tile.Profile2D})
	payload, err := g.Generate(context.Background(), tile.Pos{Level: 2, X: -1, Z: 5})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	h, err := Heightmap(payload)
	if err != nil {
		t.Fatalf("heightmap: %v", err)
	}
	for i, v := range h {
		if v < 64-64 || v > 64+64 {
			t.Fatalf("column %d height %d out of range", i, v)
		}
	}
	if got, want := h[0], g.HeightAt(-16<<2, 80<<2); got != want {
		t.Fatalf("column 0 height %d want %d", got, want)
	}
}

func TestTerrain_AirAndSolidTiles(t *testing.T) {
	g := New(Config{Seed: 1, Profile: tile.Profile3D})
	ctx := context.Background()

	sky, err := g.Generate(ctx, tile.Pos{Level: 0, X: 0, Y: 100, Z: 0})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sky != nil {
		t.Fatalf("tile far above the surface should be empty")
	}

	deep, err := g.Generate(ctx, tile.Pos{Level: 0, X: 0, Y: -10, Z: 0})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ids, err := Voxels(deep)
	if err != nil {
		t.Fatalf("voxels: %v", err)
	}
	for i, id := range ids {
		if id != Stone {
			t.Fatalf("voxel %d = %d, want stone", i, id)
		}
	}
	// A whole-stone tile collapses to a single run.
	if len(deep) > 8 {
		t.Fatalf("payload len=%d, want a single run", len(deep))
	}
}

func TestTerrain_SurfaceLayers(t *testing.T) {
	g := New(Config{Seed: 99, Profile: tile.Profile3D})
	for wx := int64(-40); wx < 40; wx += 7 {
		h := g.HeightAt(wx, 3)
		if got := g.block(h-10, h); got != Stone {
			t.Fatalf("deep block=%d want stone", got)
		}
		if got := g.block(h+200, h); got != Air {
			t.Fatalf("sky block=%d want air", got)
		}
		top := g.block(h-1, h)
		if h > g.cfg.SeaLevel && top != Grass {
			t.Fatalf("top block above sea=%d want grass", top)
		}
		if h < g.cfg.SeaLevel && g.block(h, h) != Water {
			t.Fatalf("block above submerged surface should be water")
		}
	}
}

func TestTerrain_Cancelled(t *testing.T) {
	g := New(Config{Seed: 1, Profile: tile.Profile3D})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Generate(ctx, tile.Pos{}); err == nil {
		t.Fatalf("expected context error")
	}
}

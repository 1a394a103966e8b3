package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dumps", "mirror.snap.zst")
	in := MirrorV1{
		Header: Header{Profile: "3d", SessionID: "s1", CreatedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)},
		Tiles: []TileV1{
			{Level: 0, X: -1, Y: 2, Z: 3, Timestamp: 9, Payload: []byte{1, 2, 3}},
			{Level: 2, X: 5, Timestamp: 4, Empty: true},
		},
	}
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Version != Version || h.Tiles != 2 || h.Profile != "3d" || h.SessionID != "s1" {
		t.Fatalf("header=%+v", h)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if len(out.Tiles) != 2 {
		t.Fatalf("tiles=%d", len(out.Tiles))
	}
	if a := out.Tiles[0]; a.X != -1 || a.Y != 2 || a.Z != 3 || a.Timestamp != 9 || !bytes.Equal(a.Payload, []byte{1, 2, 3}) {
		t.Fatalf("tile 0=%+v", a)
	}
	if b := out.Tiles[1]; !b.Empty || b.Level != 2 || b.Payload != nil {
		t.Fatalf("tile 1=%+v", b)
	}
	if !out.Header.CreatedAt.Equal(in.Header.CreatedAt) {
		t.Fatalf("created_at=%v", out.Header.CreatedAt)
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error")
	}
}

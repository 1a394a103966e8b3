package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
)

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "ev")
	now := time.Date(2026, 3, 4, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	read := func(name string) []int {
		var out []int
		err := ReadJSONL(filepath.Join(dir, name), func(line json.RawMessage) error {
			var v struct{ N int }
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			out = append(out, v.N)
			return nil
		})
		if err != nil {
			t.Fatalf("ReadJSONL %s: %v", name, err)
		}
		return out
	}
	if got := read("ev-2026-03-04-10.jsonl.zst"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("hour 10 = %v", got)
	}
	if got := read("ev-2026-03-04-11.jsonl.zst"); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("hour 11 = %v", got)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "ev")
		w.now = func() time.Time { return now }
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	n := 0
	if err := ReadJSONL(filepath.Join(dir, "ev-2026-03-04-10.jsonl.zst"), func(json.RawMessage) error { n++; return nil }); err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if n != 2 {
		t.Fatalf("lines=%d want 2", n)
	}
}

func TestStatsLogger(t *testing.T) {
	dir := t.TempDir()
	l := NewStatsLogger(dir, zaptest.NewLogger(t))
	l.WriteReport(server.Report{Tick: 20, SessionID: "abc"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "stats", "stats-*.jsonl.zst"))
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got server.Report
	err = ReadJSONL(files[0], func(line json.RawMessage) error { return json.Unmarshal(line, &got) })
	if err != nil {
		t.Fatalf("ReadJSONL: %v", err)
	}
	if got.Tick != 20 || got.SessionID != "abc" {
		t.Fatalf("report=%+v", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "stats")); err != nil {
		t.Fatalf("stats dir: %v", err)
	}
}

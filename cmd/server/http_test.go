package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
)

func newTestDeps(t *testing.T) httpDeps {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Storage.DataDir = t.TempDir()
	st, err := openStorage(cfg, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("openStorage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	eng := server.New(server.Options{Config: cfg, Log: zaptest.NewLogger(t), Sessions: st.sessionSink()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return httpDeps{eng: eng, storage: st, log: zaptest.NewLogger(t), admin: true}
}

func get(t *testing.T, h http.Handler, path, remote string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestMux_HealthAndMetrics(t *testing.T) {
	mux := newMux(newTestDeps(t))

	code, body := get(t, mux, "/healthz", "")
	if code != 200 || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}

	code, body = get(t, mux, "/metrics", "")
	if code != 200 {
		t.Fatalf("metrics status %d", code)
	}
	for _, want := range []string{`fp2_tick{profile="3d"}`, "fp2_index_queue_capacity 65536", `fp2_index_dropped_total{kind="session"} 0`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestMux_AdminIsLoopbackOnly(t *testing.T) {
	mux := newMux(newTestDeps(t))

	if code, _ := get(t, mux, "/admin/v1/state", "192.0.2.10:4000"); code != http.StatusForbidden {
		t.Fatalf("remote state status=%d", code)
	}
	code, body := get(t, mux, "/admin/v1/state", "127.0.0.1:4000")
	if code != 200 {
		t.Fatalf("state status=%d body=%s", code, body)
	}
	var st server.State
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(st.Sessions) != 0 {
		t.Fatalf("sessions=%d", len(st.Sessions))
	}

	code, body = get(t, mux, "/admin/v1/tiles", "[::1]:4000")
	if code != 200 {
		t.Fatalf("tiles status=%d", code)
	}
	var tiles struct {
		Enabled bool `json:"enabled"`
		Tiles   int  `json:"tiles"`
	}
	if err := json.Unmarshal([]byte(body), &tiles); err != nil {
		t.Fatalf("decode tiles: %v", err)
	}
	if !tiles.Enabled || tiles.Tiles != 0 {
		t.Fatalf("tiles=%+v", tiles)
	}
}

func TestMux_AdminDisabled(t *testing.T) {
	d := newTestDeps(t)
	d.admin = false
	if code, _ := get(t, newMux(d), "/admin/v1/state", "127.0.0.1:1"); code != http.StatusNotFound {
		t.Fatalf("status=%d", code)
	}
}

func TestOpenStorage_Backends(t *testing.T) {
	cfg, _ := config.Load("")
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.StatsLog = false

	t.Setenv("FP2_INDEX_BACKEND", "none")
	st, err := openStorage(cfg, false, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("openStorage: %v", err)
	}
	if st.index != nil || st.stats != nil || st.tiles == nil {
		t.Fatalf("unexpected backends: %+v", st)
	}
	if st.sessionSink() != nil || st.statsSink() != nil {
		t.Fatalf("nil backends must give nil sinks")
	}
	if err := st.tiles.Save(tile.Pos{X: 1}, 1, []byte{1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = st.Close()

	t.Setenv("FP2_INDEX_BACKEND", "d1")
	if _, err := openStorage(cfg, false, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func post(t *testing.T, h http.Handler, path, remote string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestMux_InvalidateTile(t *testing.T) {
	d := newTestDeps(t)
	gen := tilecache.GeneratorFunc(func(ctx context.Context, pos tile.Pos) ([]byte, error) {
		return []byte{pos.Level, byte(pos.X)}, nil
	})
	cache := tilecache.New(tilecache.Config{Workers: 1}, gen, tilecache.WithLogger(zaptest.NewLogger(t)))
	cache.Start(context.Background())
	t.Cleanup(cache.Close)
	d.cache = cache
	mux := newMux(d)

	pos := tile.Pos{Level: 1, X: 2, Y: 0, Z: -3}
	f := cache.Request(pos, 0)
	defer f.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	before := s.Timestamp
	s.Release()

	if code, _ := get(t, mux, "/admin/v1/invalidate?level=1&x=2&z=-3", "127.0.0.1:1"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", code)
	}
	if code, _ := post(t, mux, "/admin/v1/invalidate?level=99", "127.0.0.1:1"); code != http.StatusBadRequest {
		t.Fatalf("bad level status=%d", code)
	}
	code, body := post(t, mux, "/admin/v1/invalidate?level=1&x=2&z=-3", "127.0.0.1:1")
	if code != 200 {
		t.Fatalf("status=%d body=%s", code, body)
	}
	var resp struct {
		OK         bool `json:"ok"`
		Refreshing int  `json:"refreshing"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || resp.Refreshing != 1 {
		t.Fatalf("resp=%+v", resp)
	}

	deadline := time.Now().Add(5 * time.Second)
	for cache.Stats().Refreshed == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tile was not regenerated")
		}
		time.Sleep(time.Millisecond)
	}
	s, err = f.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer s.Release()
	if s.Timestamp <= before {
		t.Fatalf("timestamp %d not newer than %d", s.Timestamp, before)
	}
}

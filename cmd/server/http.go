package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/ws"
)

type httpDeps struct {
	eng     *server.Engine
	cache   *tilecache.Cache
	ws      *ws.Server
	storage *storage
	log     *zap.Logger

	admin bool
	pprof bool
}

func newMux(d httpDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		d.eng.WritePrometheus(rw)
		writeStorageMetrics(rw, d.storage)
	})

	if d.admin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			st, err := d.eng.RequestState(ctx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(st)
		})
		mux.HandleFunc("/admin/v1/tiles", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			if d.storage == nil || d.storage.tiles == nil {
				_ = json.NewEncoder(rw).Encode(map[string]any{"enabled": false})
				return
			}
			st, err := d.storage.tiles.Stats()
			if err != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{"enabled": true, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"enabled": true, "tiles": st.Tiles, "bytes": st.Bytes})
		})
		// POST /admin/v1/invalidate?level=0&x=1&y=0&z=-3 regenerates a tile and
		// the coarser tiles covering it.
		mux.HandleFunc("/admin/v1/invalidate", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodPost {
				http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			if d.cache == nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": "no tile cache"})
				return
			}
			pos, err := parsePosQuery(r)
			if err != nil {
				rw.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			n := d.cache.Invalidate(pos)
			d.log.Info("tile invalidated", zap.Stringer("pos", pos), zap.Int("refreshing", n))
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "pos": pos.String(), "refreshing": n})
		})
	} else {
		d.log.Info("admin endpoints disabled (FP2_ENABLE_ADMIN_HTTP=false)")
	}
	if d.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if d.ws != nil {
		mux.HandleFunc("/v1/ws", d.ws.Handler())
	}
	return mux
}

func writeStorageMetrics(w io.Writer, s *storage) {
	if s == nil || s.index == nil {
		return
	}
	st := s.index.Stats()
	fmt.Fprintf(w, "# HELP fp2_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(w, "# TYPE fp2_index_queue_depth gauge\n")
	fmt.Fprintf(w, "fp2_index_queue_depth %d\n", st.QueueDepth)

	fmt.Fprintf(w, "# HELP fp2_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(w, "# TYPE fp2_index_queue_capacity gauge\n")
	fmt.Fprintf(w, "fp2_index_queue_capacity %d\n", st.QueueCapacity)

	fmt.Fprintf(w, "# HELP fp2_index_dropped_total Index records dropped because the queue was full.\n")
	fmt.Fprintf(w, "# TYPE fp2_index_dropped_total counter\n")
	fmt.Fprintf(w, "fp2_index_dropped_total{kind=%q} %d\n", "generation", st.DropGenTotal)
	fmt.Fprintf(w, "fp2_index_dropped_total{kind=%q} %d\n", "session", st.DropSessionTotal)
}

func parsePosQuery(r *http.Request) (tile.Pos, error) {
	q := r.URL.Query()
	var pos tile.Pos
	level, err := strconv.ParseUint(q.Get("level"), 10, 8)
	if err != nil || level >= tile.MaxLevels {
		return pos, fmt.Errorf("level must be in [0, %d)", tile.MaxLevels)
	}
	pos.Level = uint8(level)
	for _, c := range []struct {
		key string
		dst *int32
	}{{"x", &pos.X}, {"y", &pos.Y}, {"z", &pos.Z}} {
		s := q.Get(c.key)
		if s == "" {
			continue
		}
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return pos, fmt.Errorf("bad %s: %w", c.key, err)
		}
		*c.dst = int32(v)
	}
	return pos, nil
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

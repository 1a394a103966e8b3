package server

import (
	"fmt"
	"io"
)

// WritePrometheus writes the engine counters in the Prometheus text format.
func (e *Engine) WritePrometheus(w io.Writer) {
	m := &e.metrics
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s{profile=%q} %v\n", name, e.prof, v)
	}
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s{profile=%q} %d\n", name, e.prof, v)
	}

	gauge("fp2_tick", "Current engine tick.", m.Tick.Load())
	gauge("fp2_sessions", "Connected sessions.", m.Sessions.Load())
	gauge("fp2_open_sessions", "Sessions with an open far tile session.", m.OpenSessions.Load())
	gauge("fp2_step_ms", "Last tick step duration in milliseconds.", fmt.Sprintf("%.3f", float64(m.TickNanos.Load())/1e6))
	counter("fp2_joins_total", "Accepted connections.", m.Joins.Load())
	counter("fp2_kicks_total", "Sessions closed by the server.", m.Kicks.Load())
	counter("fp2_frames_sent_total", "Frames queued for sending.", m.FramesSent.Load())
	counter("fp2_bytes_sent_total", "Frame bytes queued for sending.", m.BytesSent.Load())
	counter("fp2_tiles_sent_total", "Tiles sent in TileData frames.", m.TilesSent.Load())
	counter("fp2_unloads_sent_total", "Tile unloads sent.", m.UnloadsSent.Load())

	if e.cache == nil {
		return
	}
	st := e.cache.Stats()
	gauge("fp2_cache_entries", "Tile cache entries.", st.Entries)
	gauge("fp2_cache_queued", "Queued generation tasks.", st.Queued)
	gauge("fp2_cache_running", "Running generation tasks.", st.Running)
	gauge("fp2_cache_empty", "Cached empty tiles.", st.EmptyCached)
	counter("fp2_cache_generated_total", "Tiles generated.", st.Generated)
	counter("fp2_cache_store_loads_total", "Tiles loaded from the tile store.", st.LoadedFromStore)
	counter("fp2_cache_retries_total", "Generation retries.", st.Retries)
	counter("fp2_cache_failures_total", "Generation failures after retries.", st.Failures)
	counter("fp2_cache_invalidations_total", "Tile invalidations.", st.Invalidations)
	counter("fp2_cache_refreshed_total", "Held tiles regenerated after an invalidation.", st.Refreshed)
	pool := e.cache.Pool()
	gauge("fp2_pool_live_buffers", "Live payload buffers.", pool.Live())
	gauge("fp2_pool_live_bytes", "Bytes held by live payload buffers.", pool.LiveBytes())
}

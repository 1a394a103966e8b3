package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/indexdb"
	persistlog "github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/log"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/tilestore"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
)

// storage holds the optional persistence backends. Any of them may be nil.
type storage struct {
	tiles *tilestore.Store
	index *indexdb.SQLiteIndex
	stats *persistlog.StatsLogger
}

func openStorage(cfg config.Server, disableDB bool, logger *zap.Logger) (*storage, error) {
	st := &storage{}
	if p := cfg.StoragePath(cfg.Storage.TileStore); p != "" {
		tiles, err := tilestore.Open(p)
		if err != nil {
			return nil, err
		}
		st.tiles = tiles
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("FP2_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	if disableDB {
		backend = "none"
	}
	switch backend {
	case "none", "off", "disabled":
	case "sqlite":
		if p := cfg.StoragePath(cfg.Storage.IndexDB); p != "" {
			idx, err := indexdb.OpenSQLiteWithOptions(p, indexdb.Options{
				QueueSize:   envInt("FP2_INDEX_QUEUE", 0),
				CommitEvery: envInt("FP2_INDEX_COMMIT_EVERY", 0),
			})
			if err != nil {
				st.Close()
				return nil, fmt.Errorf("open index db: %w", err)
			}
			st.index = idx
		}
	default:
		st.Close()
		return nil, fmt.Errorf("unsupported FP2_INDEX_BACKEND: %s", backend)
	}

	if cfg.Storage.StatsLog && cfg.Storage.DataDir != "" {
		st.stats = persistlog.NewStatsLogger(cfg.Storage.DataDir, logger.Named("stats"))
	}
	return st, nil
}

func (s *storage) cacheOptions() []tilecache.Option {
	var opts []tilecache.Option
	if s.tiles != nil {
		opts = append(opts, tilecache.WithStore(s.tiles))
	}
	if s.index != nil {
		opts = append(opts, tilecache.WithEventSink(s.index))
	}
	return opts
}

func (s *storage) sessionSink() server.SessionSink {
	if s.index == nil {
		return nil
	}
	return s.index
}

func (s *storage) statsSink() server.StatsSink {
	if s.stats == nil {
		return nil
	}
	return s.stats
}

func (s *storage) Close() error {
	var errs []error
	if s.stats != nil {
		errs = append(errs, s.stats.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	if s.tiles != nil {
		errs = append(errs, s.tiles.Close())
	}
	return errors.Join(errs...)
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

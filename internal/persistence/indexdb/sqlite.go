// Package indexdb keeps a queryable SQLite index of sessions and tile
// generation attempts. Writes are queued and committed in batches by one
// goroutine; the index is secondary, so a full queue drops rows.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropGen     atomic.Uint64
	dropSession atomic.Uint64
}

type reqKind int

const (
	reqGen reqKind = iota + 1
	reqSessionOpen
	reqSessionClose
)

type req struct {
	kind reqKind

	gen     tilecache.GenEvent
	session sessionRow
}

type sessionRow struct {
	ID      string
	Remote  string
	At      time.Time
	Code    string
	Loads   uint64
	Unloads uint64
}

// Options tune batching. Zero values pick defaults.
type Options struct {
	QueueSize     int
	CommitEvery   int
	CommitMaxWait time.Duration
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return OpenSQLiteWithOptions(path, Options{})
}

func OpenSQLiteWithOptions(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 65536
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 2000
	}
	if opts.CommitMaxWait <= 0 {
		opts.CommitMaxWait = 2 * time.Second
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, opts.QueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(opts)
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			remote TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			close_code TEXT,
			loads INTEGER NOT NULL DEFAULT 0,
			unloads INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS generations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			level INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			at TEXT NOT NULL,
			duration_us INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			empty INTEGER NOT NULL,
			from_store INTEGER NOT NULL,
			err TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generations_pos ON generations(level, x, z, y);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordGeneration implements tilecache.EventSink.
func (s *SQLiteIndex) RecordGeneration(ev tilecache.GenEvent) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqGen, gen: ev}:
	default:
		s.dropGen.Add(1)
	}
}

func (s *SQLiteIndex) SessionOpened(id, remote string, at time.Time) {
	s.enqueueSession(req{kind: reqSessionOpen, session: sessionRow{ID: id, Remote: remote, At: at}})
}

func (s *SQLiteIndex) SessionClosed(id string, at time.Time, code string, loads, unloads uint64) {
	s.enqueueSession(req{kind: reqSessionClose, session: sessionRow{ID: id, At: at, Code: code, Loads: loads, Unloads: unloads}})
}

func (s *SQLiteIndex) enqueueSession(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropSession.Add(1)
	}
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropGenTotal     uint64 `json:"drop_gen_total"`
	DropSessionTotal uint64 `json:"drop_session_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropGenTotal:     s.dropGen.Load(),
		DropSessionTotal: s.dropSession.Load(),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteIndex) loop(opts Options) {
	ctx := context.Background()

	insertGen, _ := s.db.Prepare(`INSERT INTO generations(level,x,y,z,attempt,at,duration_us,bytes,empty,from_store,err) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertOpen, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(id,remote,opened_at) VALUES(?,?,?)`)
	updateClose, _ := s.db.Prepare(`UPDATE sessions SET closed_at=?, close_code=?, loads=?, unloads=? WHERE id=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertGen, insertOpen, updateClose} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(opts.CommitMaxWait)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				continue
			}
			switch r.kind {
			case reqGen:
				ev := r.gen
				exec(insertGen,
					int(ev.Pos.Level), ev.Pos.X, ev.Pos.Y, ev.Pos.Z,
					ev.Attempt,
					ev.At.UTC().Format(time.RFC3339Nano),
					ev.Duration.Microseconds(),
					ev.Bytes,
					boolInt(ev.Empty),
					boolInt(ev.FromStore),
					ev.Err,
				)
			case reqSessionOpen:
				se := r.session
				exec(insertOpen, se.ID, se.Remote, se.At.UTC().Format(time.RFC3339Nano))
			case reqSessionClose:
				se := r.session
				exec(updateClose, se.At.UTC().Format(time.RFC3339Nano), se.Code, int64(se.Loads), int64(se.Unloads), se.ID)
			}
			if tx != nil && opCount >= opts.CommitEvery {
				commit()
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= opts.CommitMaxWait {
				commit()
			}
		}
	}
}

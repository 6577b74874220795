// Package store persists traces, spans, and librarian conversations in
// SQLite, and exposes the two retrieval primitives the librarian agent
// uses: guarded read-only SQL execution and experience similarity
// search.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ToolBrain/toolbrain-tracing/internal/embedding"
	"github.com/ToolBrain/toolbrain-tracing/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures a Store.
type Options struct {
	Path         string
	QueryTimeout time.Duration             // guarded SQL execution deadline
	RowLimit     int                       // guarded SQL row cap
	Engine       embedding.EmbeddingEngine // nil disables similarity search
}

// Store is the SQLite trace store. The main connection handles all
// writes; a second read-only connection is reserved for the query
// execution guard so untrusted SQL can never mutate state.
type Store struct {
	db     *sql.DB
	ro     *sql.DB
	mu     sync.RWMutex
	dbPath string

	engine       embedding.EmbeddingEngine
	vectorExt    bool // sqlite-vec distance functions available
	queryTimeout time.Duration
	rowLimit     int
}

// Open initializes the SQLite database at the given path.
func Open(opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.RowLimit <= 0 {
		opts.RowLimit = 100
	}

	logging.Store("initializing store at path: %s", opts.Path)

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	// Span rows cascade with their trace.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign keys: %v", err)
	}

	s := &Store{
		db:           db,
		dbPath:       opts.Path,
		engine:       opts.Engine,
		queryTimeout: opts.QueryTimeout,
		rowLimit:     opts.RowLimit,
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec distance functions detected; similarity ranking runs in SQL")
	} else {
		logging.StoreDebug("sqlite-vec not available; similarity ranking falls back to Go cosine scan")
	}

	// The guard's connection: opened after the schema exists so mode=ro
	// does not fail on a missing file. query_only is belt and braces on
	// top of the read-only open.
	roDSN := fmt.Sprintf("file:%s?mode=ro&_query_only=1&_busy_timeout=5000", opts.Path)
	ro, err := sql.Open("sqlite3", roDSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read-only connection: %w", err)
	}
	ro.SetMaxOpenConns(1)
	ro.SetMaxIdleConns(1)
	s.ro = ro

	logging.Store("store initialization complete (rw + ro connections, row limit %d)", s.rowLimit)
	return s, nil
}

// ensureSchema creates the required tables.
func (s *Store) ensureSchema() error {
	tracesTable := `
	CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		system_prompt TEXT,
		episode_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		status TEXT NOT NULL DEFAULT 'running',
		priority INTEGER NOT NULL DEFAULT 3,
		embedding TEXT,
		attributes TEXT,
		feedback TEXT,
		ai_evaluation TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_traces_episode ON traces(episode_id);
	CREATE INDEX IF NOT EXISTS idx_traces_status ON traces(status);
	CREATE INDEX IF NOT EXISTS idx_traces_created ON traces(created_at);
	`

	spansTable := `
	CREATE TABLE IF NOT EXISTS spans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		span_id TEXT NOT NULL,
		trace_id TEXT NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
		parent_id TEXT,
		name TEXT NOT NULL,
		start_time DATETIME,
		end_time DATETIME,
		attributes TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id);
	CREATE INDEX IF NOT EXISTS idx_spans_name ON spans(name);
	`

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, created_at);
	`

	for _, table := range []string{tracesTable, spansTable, sessionsTable, messagesTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// detectVecExtension probes for the sqlite-vec cosine distance function.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	var dist float64
	err := s.db.QueryRow(`SELECT vec_distance_cosine('[1,0]', '[0,1]')`).Scan(&dist)
	s.vectorExt = err == nil
}

// HasVectorExt reports whether sqlite-vec distance functions are loaded.
func (s *Store) HasVectorExt() bool {
	return s.vectorExt
}

// RowLimit returns the guarded-query row cap.
func (s *Store) RowLimit() int {
	return s.rowLimit
}

// Close closes both database connections.
func (s *Store) Close() error {
	logging.Store("closing store database connections")
	var first error
	if s.ro != nil {
		if err := s.ro.Close(); err != nil {
			first = err
		}
	}
	if err := s.db.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// DB returns the underlying read-write connection. Intended for tests
// and migrations only; production reads of untrusted SQL go through
// ExecuteReadOnly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Package history persists finished generations in a local SQL journal.
// SQLite is the default store; DuckDB can be selected for analytics.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"EdgeLLM/internal/generation"
)

const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"

	defaultPath = "edgellm_history.db"
)

// Entry is one journaled generation.
type Entry struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	Prompt          string    `json:"prompt"`
	Output          string    `json:"output"`
	Finish          string    `json:"finish"`
	Error           string    `json:"error,omitempty"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	ElapsedMS       float64   `json:"elapsed_ms"`
	TokensPerSecond float64   `json:"tokens_per_second"`
}

// EntryFrom builds a journal entry from a generation outcome.
func EntryFrom(prompt string, res generation.Result, err error) Entry {
	m := res.Metrics
	e := Entry{
		ID:              m.ID,
		CreatedAt:       time.Now(),
		Prompt:          prompt,
		Output:          res.Text,
		Finish:          string(m.Finish),
		InputTokens:     m.InputTokens,
		OutputTokens:    m.OutputTokens,
		ElapsedMS:       float64(m.Elapsed.Microseconds()) / 1000,
		TokensPerSecond: m.TokensPerSecond,
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err != nil {
		e.Error = generation.TextOf(err)
		if e.Finish == "" {
			e.Finish = string(generation.FinishError)
		}
	}
	return e
}

// Store wraps a database connection holding the journal.
type Store struct {
	db         *sql.DB
	driver     string
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	mu         sync.RWMutex
}

// Open opens (and initialises) the journal at path using driver.
func Open(driver, path string) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if path == "" {
		path = defaultPath
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: ensure directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	case DriverDuckDB:
		dsn = path
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	s.insertStmt, err = db.Prepare(`INSERT INTO generations
		(id, created_at, prompt, output, finish, error, input_tokens, output_tokens, elapsed_ms, tokens_per_second)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("history: prepare insert: %w", err)
	}

	s.selectStmt, err = db.Prepare(`SELECT ` + columns + ` FROM generations ORDER BY created_at DESC LIMIT ?`)
	if err != nil {
		s.insertStmt.Close()
		db.Close()
		return nil, fmt.Errorf("history: prepare select: %w", err)
	}

	return s, nil
}

const columns = `id, created_at, prompt, output, finish, error, input_tokens, output_tokens, elapsed_ms, tokens_per_second`

func (s *Store) bootstrap() error {
	if s.driver == DriverSQLite {
		if _, err := s.db.Exec(`
			PRAGMA journal_mode=WAL;
			PRAGMA synchronous=NORMAL;
		`); err != nil {
			return fmt.Errorf("history: configure database: %w", err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			prompt TEXT NOT NULL,
			output TEXT NOT NULL,
			finish TEXT NOT NULL,
			error TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			elapsed_ms DOUBLE NOT NULL,
			tokens_per_second DOUBLE NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("history: create generations table: %w", err)
	}
	return nil
}

// Driver names the SQL driver backing the store.
func (s *Store) Driver() string { return s.driver }

// Record appends entry to the journal.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s == nil {
		return errors.New("history: store is not initialised")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.RLock()
	stmt := s.insertStmt
	s.mu.RUnlock()
	if stmt == nil {
		return errors.New("history: store is closed")
	}

	if _, err := stmt.ExecContext(ctx,
		entry.ID, entry.CreatedAt.UnixNano(), entry.Prompt, entry.Output, entry.Finish, entry.Error,
		entry.InputTokens, entry.OutputTokens, entry.ElapsedMS, entry.TokensPerSecond,
	); err != nil {
		return fmt.Errorf("history: record %s: %w", entry.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("history: store is not initialised")
	}
	if limit <= 0 {
		return nil, errors.New("history: limit must be greater than zero")
	}

	s.mu.RLock()
	stmt := s.selectStmt
	s.mu.RUnlock()
	if stmt == nil {
		return nil, errors.New("history: store is closed")
	}

	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	return scanEntries(rows, limit)
}

// Search returns up to limit entries whose prompt or output mentions any
// of the significant words in query, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, errors.New("history: store is not initialised")
	}
	if limit <= 0 {
		return nil, errors.New("history: limit must be greater than zero")
	}

	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	conditions := make([]string, 0, len(terms))
	args := make([]any, 0, 2*len(terms)+1)
	for _, term := range terms {
		conditions = append(conditions, "(lower(prompt) LIKE ? OR lower(output) LIKE ?)")
		args = append(args, "%"+term+"%", "%"+term+"%")
	}
	args = append(args, limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.New("history: store is closed")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM generations WHERE `+strings.Join(conditions, " OR ")+
			` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return scanEntries(rows, limit)
}

func scanEntries(rows *sql.Rows, limit int) ([]Entry, error) {
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Prompt, &e.Output, &e.Finish, &e.Error,
			&e.InputTokens, &e.OutputTokens, &e.ElapsedMS, &e.TokensPerSecond); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		e.CreatedAt = time.Unix(0, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return entries, nil
}

// searchTerms lowercases query and keeps words longer than two characters
// that are not stop words.
func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})

	terms := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) <= 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

var stopWords = map[string]bool{
	"what": true, "are": true, "does": true, "did": true, "when": true, "where": true,
	"who": true, "how": true, "the": true, "can": true, "could": true, "would": true,
	"should": true, "will": true, "you": true, "your": true, "yours": true, "tell": true,
	"about": true, "and": true, "for": true, "with": true,
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.insertStmt != nil {
		errs = append(errs, s.insertStmt.Close())
		s.insertStmt = nil
	}
	if s.selectStmt != nil {
		errs = append(errs, s.selectStmt.Close())
		s.selectStmt = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

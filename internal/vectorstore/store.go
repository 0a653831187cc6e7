// Package vectorstore persists memory entries with their embeddings in
// SQLite and answers exact cosine-similarity queries over them.
//
// Every stored vector shares one baseline (model name and dimension
// count). When the active embedder no longer matches that baseline the
// store blocks searches until [Store.Migrate] re-embeds every entry from
// its retained source text.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/hearth/internal/embeddings"
)

var (
	// ErrDimensionMismatch means a vector's length disagrees with the
	// store baseline.
	ErrDimensionMismatch = errors.New("embedding dimensions do not match store baseline")

	// ErrNotFound means no entry has the requested id.
	ErrNotFound = errors.New("vector entry not found")

	// ErrMigrationRequired means the active embedder differs from the
	// model that produced the stored vectors. Searches stay blocked
	// until a migration completes.
	ErrMigrationRequired = errors.New("vector store requires migration to the active embedding model")
)

// StorageError wraps a failure from the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "vector store " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Entry is one stored memory.
type Entry struct {
	ID         string         `json:"id"`
	Embedding  []float32      `json:"-"`
	SourceText string         `json:"source_text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ModelName  string         `json:"model_name"`
	Dimensions int            `json:"dimensions"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Match is a search hit.
type Match struct {
	Entry
	Score float32 `json:"score"`
}

// Metadata is the store baseline. ModelName is empty until the first
// entry is written.
type Metadata struct {
	ModelName  string `json:"model_name"`
	Dimensions int    `json:"dimensions"`
	EntryCount int    `json:"entry_count"`
}

// Store is a SQLite-backed vector store. Writes are serialized; reads
// run concurrently with them.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex
	blocked atomic.Bool
}

// New creates a vector store on an existing database connection,
// creating its tables if needed.
func New(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "vectorstore")}
	if err := s.migrateSchema(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrateSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vector_entries (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			embedding BLOB NOT NULL,
			source_text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			model_name TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS vector_store_meta (
			singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
			model_name TEXT NOT NULL,
			dimensions INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// baseline reads the baseline and entry count. ok is false before the
// first entry has ever been written.
func baseline(ctx context.Context, q querier) (meta Metadata, ok bool, err error) {
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_entries`).Scan(&meta.EntryCount); err != nil {
		return meta, false, err
	}
	err = q.QueryRowContext(ctx, `SELECT model_name, dimensions FROM vector_store_meta WHERE singleton = 1`).
		Scan(&meta.ModelName, &meta.Dimensions)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, false, nil
	}
	return meta, err == nil, err
}

func setBaseline(ctx context.Context, tx *sql.Tx, model string, dims int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vector_store_meta (singleton, model_name, dimensions, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			model_name = excluded.model_name,
			dimensions = excluded.dimensions,
			updated_at = excluded.updated_at
	`, model, dims, time.Now().UTC().Format(time.RFC3339))
	return err
}

// Store persists e and returns it with ID and CreatedAt filled in.
// The first entry written to an empty store sets the baseline. A
// vector whose length differs from the baseline is rejected with
// [ErrDimensionMismatch]; one from a different model, or any write
// while the store is blocked, with [ErrMigrationRequired].
func (s *Store) Store(ctx context.Context, e Entry) (Entry, error) {
	if len(e.Embedding) != e.Dimensions || e.Dimensions == 0 {
		return Entry{}, fmt.Errorf("entry declares %d dimensions but embedding has %d: %w",
			e.Dimensions, len(e.Embedding), ErrDimensionMismatch)
	}
	if e.ModelName == "" {
		return Entry{}, errors.New("entry has no model name")
	}
	if s.blocked.Load() {
		return Entry{}, ErrMigrationRequired
	}

	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Entry{}, fmt.Errorf("generate id: %w", err)
		}
		e.ID = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("encode metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, storageErr("begin", err)
	}
	defer tx.Rollback()

	base, ok, err := baseline(ctx, tx)
	if err != nil {
		return Entry{}, storageErr("read baseline", err)
	}
	switch {
	case !ok || base.EntryCount == 0:
		if err := setBaseline(ctx, tx, e.ModelName, e.Dimensions); err != nil {
			return Entry{}, storageErr("set baseline", err)
		}
		if ok && (base.ModelName != e.ModelName || base.Dimensions != e.Dimensions) {
			s.logger.Info("empty store adopting new baseline",
				"old_model", base.ModelName, "model", e.ModelName, "dimensions", e.Dimensions)
		}
	case base.Dimensions != e.Dimensions:
		return Entry{}, fmt.Errorf("store baseline is %d, entry has %d: %w", base.Dimensions, e.Dimensions, ErrDimensionMismatch)
	case base.ModelName != e.ModelName:
		return Entry{}, fmt.Errorf("store baseline is %s, entry is from %s: %w", base.ModelName, e.ModelName, ErrMigrationRequired)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO vector_entries (id, embedding, source_text, metadata, model_name, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, encodeEmbedding(e.Embedding), e.SourceText, string(meta), e.ModelName, e.Dimensions,
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Entry{}, storageErr("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, storageErr("commit", err)
	}
	return e, nil
}

// Search ranks every entry by cosine similarity to query and returns
// the best limit matches. Equal scores keep insertion order.
func (s *Store) Search(ctx context.Context, query []float32, limit int) ([]Match, error) {
	if s.blocked.Load() {
		return nil, ErrMigrationRequired
	}
	if limit <= 0 {
		return nil, nil
	}

	base, ok, err := baseline(ctx, s.db)
	if err != nil {
		return nil, storageErr("read baseline", err)
	}
	if !ok || base.EntryCount == 0 {
		return nil, nil
	}
	if len(query) != base.Dimensions {
		return nil, fmt.Errorf("store baseline is %d, query has %d: %w", base.Dimensions, len(query), ErrDimensionMismatch)
	}

	entries, err := s.all(ctx)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(entries))
	for i, e := range entries {
		vectors[i] = e.Embedding
	}
	top := embeddings.TopK(query, vectors, limit)
	matches := make([]Match, len(top))
	for i, idx := range top {
		matches[i] = Match{Entry: entries[idx], Score: embeddings.CosineSimilarity(query, vectors[idx])}
	}
	return matches, nil
}

// all returns every entry in insertion order.
func (s *Store) all(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, source_text, metadata, model_name, dimensions, created_at
		FROM vector_entries ORDER BY seq
	`)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			blob      []byte
			meta      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &blob, &e.SourceText, &meta, &e.ModelName, &e.Dimensions, &createdAt); err != nil {
			return nil, storageErr("scan", err)
		}
		e.Embedding = decodeEmbedding(blob)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				s.logger.Warn("undecodable entry metadata", "id", e.ID, "error", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate", err)
	}
	return entries, nil
}

// Delete removes the entry with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM vector_entries WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_entries`).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

// Metadata returns the current baseline and entry count.
func (s *Store) Metadata(ctx context.Context) (Metadata, error) {
	meta, _, err := baseline(ctx, s.db)
	if err != nil {
		return Metadata{}, storageErr("read baseline", err)
	}
	return meta, nil
}

// Blocked reports whether searches are refused pending migration.
func (s *Store) Blocked() bool { return s.blocked.Load() }

// CheckEmbedder compares the active embedder to the baseline and sets
// or clears the migration block. Only a non-empty store with a
// different model or dimension count is blocked. It reports whether
// migration is now required.
func (s *Store) CheckEmbedder(ctx context.Context, model string, dims int) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	base, ok, err := baseline(ctx, s.db)
	if err != nil {
		return false, storageErr("read baseline", err)
	}
	required := ok && base.EntryCount > 0 && (base.ModelName != model || base.Dimensions != dims)
	s.blocked.Store(required)

	if required {
		s.logger.Warn("embedding model changed, migration required",
			"stored_model", base.ModelName,
			"stored_dimensions", base.Dimensions,
			"active_model", model,
			"active_dimensions", dims,
			"entries", base.EntryCount,
		)
	}
	return required, nil
}

func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(data []byte) []float32 {
	result := make([]float32, len(data)/4)
	for i := range result {
		result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return result
}

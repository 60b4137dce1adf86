// Package store provides the SQLite storage layer for Palace.
//
// Every document in a collection lives in a single SQLite database file:
// its opaque id, extracted text content, descriptive metadata, and the
// embedding vector produced by the upstream embedding model. The store is
// the input boundary of the spatial organizer, which consumes ordered
// (id, embedding, metadata) records and never mutates them.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.palace/palace.db"

// Document is a stored document record. Embedding dimension is fixed per
// collection by the first inserted document.
type Document struct {
	ID        string
	Content   string
	Title     string
	Filename  string
	FileType  string
	Metadata  map[string]any
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SearchResult pairs a document with its similarity score against a query
// vector.
type SearchResult struct {
	Document *Document
	Score    float64
}

// Stats holds observability statistics about the collection.
type Stats struct {
	DocumentCount int64          `json:"total_documents"`
	Dimensions    int            `json:"dimensions"`
	FileTypes     map[string]int `json:"file_types"`
	DBSizeBytes   int64          `json:"db_size_bytes"`
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store defines the document storage interface.
type Store interface {
	AddDocument(ctx context.Context, d *Document) (string, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context, limit int) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)

	Search(ctx context.Context, query []float32, limit int, threshold float64) ([]*SearchResult, error)
	Connections(ctx context.Context, id string, threshold float64, max int) ([]*SearchResult, error)

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (and if necessary creates) the document database.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL DEFAULT '',
			title      TEXT NOT NULL DEFAULT '',
			filename   TEXT NOT NULL DEFAULT '',
			file_type  TEXT NOT NULL DEFAULT 'text',
			metadata   TEXT NOT NULL DEFAULT '{}',
			vector     BLOB,
			dimensions INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_file_type ON documents(file_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// AddDocument inserts or replaces a document. An empty ID gets a generated
// UUID. The embedding dimension must match the collection's dimension once
// one is established.
func (s *SQLiteStore) AddDocument(ctx context.Context, d *Document) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	if len(d.Embedding) > 0 {
		dims, err := s.collectionDims(ctx)
		if err != nil {
			return "", err
		}
		if dims > 0 && dims != len(d.Embedding) {
			return "", fmt.Errorf("document %s has %d-dimensional embedding, collection uses %d",
				d.ID, len(d.Embedding), dims)
		}
	}

	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return "", fmt.Errorf("encoding metadata for %s: %w", d.ID, err)
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, content, title, filename, file_type, metadata, vector, dimensions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			title = excluded.title,
			filename = excluded.filename,
			file_type = excluded.file_type,
			metadata = excluded.metadata,
			vector = excluded.vector,
			dimensions = excluded.dimensions,
			updated_at = excluded.updated_at`,
		d.ID, d.Content, d.Title, d.Filename, d.FileType, string(meta),
		float32ToBytes(d.Embedding), len(d.Embedding), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("storing document %s: %w", d.ID, err)
	}
	return d.ID, nil
}

// GetDocument retrieves one document with its embedding vector.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content, title, filename, file_type, metadata, vector, created_at, updated_at
		 FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("document %s not found", id)
		}
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// ListDocuments returns up to limit documents, oldest first, with their
// embedding vectors. This is the feed for layout computation.
func (s *SQLiteStore) ListDocuments(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, title, filename, file_type, metadata, vector, created_at, updated_at
		 FROM documents ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document. Deleting an unknown id is an error.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %s not found", id)
	}
	return nil
}

// Count returns the number of stored documents.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// Search performs brute-force cosine similarity search across all stored
// embeddings, returning up to limit results scoring at or above threshold,
// best first.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, limit int, threshold float64) ([]*SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, title, filename, file_type, metadata, vector, created_at, updated_at
		 FROM documents WHERE dimensions > 0`)
	if err != nil {
		return nil, fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var candidates []*SearchResult
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		score := cosineSimilarity(query, d.Embedding)
		if score >= threshold {
			candidates = append(candidates, &SearchResult{Document: d, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Sort by score descending (insertion sort; N is small).
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].Score > candidates[j-1].Score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// Connections returns the documents most strongly connected to the given
// one: those whose similarity to its embedding meets the threshold, self
// excluded, best first.
func (s *SQLiteStore) Connections(ctx context.Context, id string, threshold float64, max int) ([]*SearchResult, error) {
	if max <= 0 {
		max = 5
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(doc.Embedding) == 0 {
		return nil, nil
	}

	// +1 because the document matches itself at similarity 1.
	results, err := s.Search(ctx, doc.Embedding, max+1, threshold)
	if err != nil {
		return nil, err
	}

	connections := make([]*SearchResult, 0, max)
	for _, r := range results {
		if r.Document.ID == id {
			continue
		}
		connections = append(connections, r)
		if len(connections) == max {
			break
		}
	}
	return connections, nil
}

// Stats returns collection statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{FileTypes: map[string]int{}}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents").Scan(&stats.DocumentCount); err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}

	dims, err := s.collectionDims(ctx)
	if err != nil {
		return nil, err
	}
	stats.Dimensions = dims

	rows, err := s.db.QueryContext(ctx,
		"SELECT file_type, COUNT(*) FROM documents GROUP BY file_type")
	if err != nil {
		return nil, fmt.Errorf("counting file types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			return nil, fmt.Errorf("scanning file type row: %w", err)
		}
		stats.FileTypes[ft] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DBSizeBytes = fi.Size()
		}
	}
	return stats, nil
}

// collectionDims returns the embedding dimension of the collection, or 0
// when no embedded document exists yet.
func (s *SQLiteStore) collectionDims(ctx context.Context) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx,
		"SELECT dimensions FROM documents WHERE dimensions > 0 LIMIT 1").Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting collection dimensions: %w", err)
	}
	return dims, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	d := &Document{}
	var meta string
	var blob []byte
	if err := row.Scan(&d.ID, &d.Content, &d.Title, &d.Filename, &d.FileType,
		&meta, &blob, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", d.ID, err)
		}
	}
	d.Embedding = bytesToFloat32(blob)
	return d, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// float32ToBytes converts a float32 slice to a byte slice (little-endian).
func float32ToBytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToFloat32 converts a byte slice back to float32 slice (little-endian).
func bytesToFloat32(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

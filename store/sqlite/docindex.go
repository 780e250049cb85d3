package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/kelvaris/aegis"
)

// Document is one knowledge-base entry (a runbook, procedure, or note).
type Document struct {
	ID        string
	Title     string
	Source    string
	CreatedAt int64
}

// Chunk is one indexed piece of a document. Embedding may be nil when
// the corpus was indexed without a dense side.
type Chunk struct {
	ID         string
	Content    string
	ChunkIndex int
	Embedding  []float32
}

// DocIndexOption configures a DocIndex.
type DocIndexOption func(*DocIndex)

// WithDocIndexLogger sets a structured logger for the index.
func WithDocIndexLogger(l *slog.Logger) DocIndexOption {
	return func(d *DocIndex) { d.logger = l }
}

// DocIndex implements both sides of hybrid retrieval over a local SQLite
// file: lexical search via FTS5/bm25 and dense search via brute-force
// cosine similarity over stored embeddings, with queries embedded through
// the given provider. Index building is done offline; the serving path
// only reads.
type DocIndex struct {
	db       *sql.DB
	embedder aegis.EmbeddingProvider // nil disables the dense side
	logger   *slog.Logger
}

var (
	_ aegis.DenseSearcher   = (*DocIndex)(nil)
	_ aegis.LexicalSearcher = (*DocIndex)(nil)
)

// NewDocIndex opens the document index at dbPath. A nil embedder leaves
// only the lexical side active; dense searches then report NotFound so a
// hybrid caller degrades instead of failing.
func NewDocIndex(dbPath string, embedder aegis.EmbeddingProvider, opts ...DocIndexOption) *DocIndex {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	d := &DocIndex{db: db, embedder: embedder, logger: nopLogger}
	for _, o := range opts {
		o(d)
	}
	d.logger.Debug("sqlite: doc index opened", "path", dbPath, "dense", embedder != nil)
	return d
}

// Init creates the index tables. Safe to call repeatedly.
func (d *DocIndex) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			content TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			embedding TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(chunk_id UNINDEXED, content)`,
	}
	for _, ddl := range stmts {
		if _, err := d.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// AddDocument stores a document and its chunks, replacing any previous
// version, in a single transaction. Used by offline indexers and tests.
func (d *DocIndex) AddDocument(ctx context.Context, doc Document, chunks []Chunk) error {
	start := time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add document: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, title, source, created_at)
		 VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Source, doc.CreatedAt,
	); err != nil {
		return fmt.Errorf("add document: insert: %w", err)
	}

	// Replace semantics: drop the old chunks and their FTS rows first.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		doc.ID,
	); err != nil {
		return fmt.Errorf("add document: clear fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ?`, doc.ID,
	); err != nil {
		return fmt.Errorf("add document: clear chunks: %w", err)
	}

	for _, c := range chunks {
		var embJSON *string
		if len(c.Embedding) > 0 {
			v := serializeEmbedding(c.Embedding)
			embJSON = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, content, chunk_index, embedding)
			 VALUES (?, ?, ?, ?, ?)`,
			c.ID, doc.ID, c.Content, c.ChunkIndex, embJSON,
		); err != nil {
			return fmt.Errorf("add document: insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`,
			c.ID, c.Content,
		); err != nil {
			return fmt.Errorf("add document: insert fts: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add document: commit: %w", err)
	}
	d.logger.Debug("sqlite: document indexed", "id", doc.ID, "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// SearchDense embeds the query and ranks chunks by cosine similarity.
// Without an embedder the dense side reports NotFound.
func (d *DocIndex) SearchDense(ctx context.Context, query string, k int) ([]aegis.Passage, error) {
	if d.embedder == nil {
		return nil, &aegis.NotFoundError{Kind: "searcher", Name: "dense"}
	}
	start := time.Now()

	vecs, err := d.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("dense search: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("dense search: no embedding returned")
	}
	qv := vecs[0]

	rows, err := d.db.QueryContext(ctx,
		`SELECT c.content, d.source, c.embedding
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("dense search: query: %w", err)
	}
	defer rows.Close()

	var results []aegis.Passage
	scanned := 0
	for rows.Next() {
		var p aegis.Passage
		var embJSON string
		if err := rows.Scan(&p.Text, &p.Source, &embJSON); err != nil {
			return nil, fmt.Errorf("dense search: scan: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		p.Score = cosineSimilarity(qv, stored)
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dense search: iterate: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Source < results[j].Source
	})
	if len(results) > k {
		results = results[:k]
	}
	d.logger.Debug("sqlite: dense search ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchLexical ranks chunks with FTS5/bm25. Every query term is quoted
// before matching: analyst queries are full of FTS5 syntax (dots in
// domains, colons in hashes) that would otherwise be parse errors.
func (d *DocIndex) SearchLexical(ctx context.Context, query string, k int) ([]aegis.Passage, error) {
	match := ftsQuote(query)
	if match == "" {
		return nil, nil
	}
	start := time.Now()

	rows, err := d.db.QueryContext(ctx,
		`SELECT c.content, d.source, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`,
		match, k,
	)
	if err != nil {
		return nil, fmt.Errorf("lexical search: query: %w", err)
	}
	defer rows.Close()

	var results []aegis.Passage
	for rows.Next() {
		var p aegis.Passage
		var rank float64
		if err := rows.Scan(&p.Text, &p.Source, &rank); err != nil {
			return nil, fmt.Errorf("lexical search: scan: %w", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		p.Score = -rank
		if p.Score < 0 {
			p.Score = 0
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lexical search: iterate: %w", err)
	}
	d.logger.Debug("sqlite: lexical search ok", "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// Close closes the database connection.
func (d *DocIndex) Close() error {
	return d.db.Close()
}

// ftsQuote wraps each whitespace-separated term in double quotes (with
// embedded quotes doubled) so the terms are matched literally under the
// implicit AND of FTS5.
func ftsQuote(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}

// cosineSimilarity computes cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
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
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

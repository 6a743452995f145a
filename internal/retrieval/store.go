// Package retrieval is Parley's long-term memory: a small SQLite-backed
// vector index with four collections (past conversations, learning
// materials, news articles and correction feedback) and the
// [Retriever] that assembles a turn's [chat.RelevantContext] from it.
//
// Similarity is brute-force cosine over the stored vectors of one
// collection, which is ample for a single learner's history. When no
// embedding generator is configured, or it fails, the store falls back
// to keyword overlap so retrieval keeps working offline.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/embeddings"
)

// Collection names one of the four indexes.
type Collection string

// The collections.
const (
	Conversations      Collection = "conversations"
	LearningMaterials  Collection = "learning_materials"
	NewsArticles       Collection = "news_articles"
	CorrectionFeedback Collection = "correction_feedback"
)

// Collections lists every collection in retrieval order.
var Collections = []Collection{Conversations, LearningMaterials, NewsArticles, CorrectionFeedback}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// maxCandidates bounds how many of the newest rows a search scores.
const maxCandidates = 5000

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Document is one indexed entry.
type Document struct {
	ID         string
	Collection Collection
	UserID     string // empty for shared collections
	Text       string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Match is a search hit with its similarity score.
type Match struct {
	Document
	Score float32
}

// Entry converts a match into the shape agents consume.
func (m Match) Entry() chat.ContextEntry {
	md := m.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return chat.ContextEntry{Document: m.Text, Metadata: md}
}

// Store persists documents and their embeddings in SQLite.
type Store struct {
	db       *sql.DB
	embedder embeddings.Generator
	logger   *slog.Logger
}

// NewStore creates a document store on db, running migrations on first
// use. embedder may be nil, in which case search is keyword-based.
func NewStore(db *sql.DB, embedder embeddings.Generator, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, embedder: embedder, logger: logger.With("component", "retrieval")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate retrieval: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection, user_id, created_at);
	`)
	return err
}

// Add indexes doc and returns its ID. A missing ID is generated and a
// zero CreatedAt is set to now. Embedding failures are logged and the
// document is stored without a vector; [Store.EmbedMissing] can fill it
// in later.
func (s *Store) Add(ctx context.Context, doc Document) (string, error) {
	if !doc.Collection.Valid() {
		return "", fmt.Errorf("unknown collection %q", doc.Collection)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return "", errors.New("document text is empty")
	}
	if doc.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate id: %w", err)
		}
		doc.ID = id.String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}

	md, err := json.Marshal(doc.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	var blob any // NULL until a vector is available
	if s.embedder != nil {
		vec, err := s.embedder.Generate(ctx, doc.Text)
		if err != nil {
			s.logger.Warn("embedding failed, storing without vector",
				"collection", doc.Collection, "id", doc.ID, "error", err)
		} else {
			blob = embeddings.Encode(vec)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, collection, user_id, text, metadata, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, string(doc.Collection), doc.UserID, doc.Text, string(md), blob,
		doc.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return doc.ID, nil
}

// Search returns up to limit documents from coll most similar to query,
// best first. A non-empty userID restricts the search to that user's
// documents. Scores below minScore are dropped.
func (s *Store) Search(ctx context.Context, coll Collection, query, userID string, limit int, minScore float32) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}
	if !coll.Valid() {
		return nil, fmt.Errorf("unknown collection %q", coll)
	}

	var queryVec []float32
	if s.embedder != nil {
		v, err := s.embedder.Generate(ctx, query)
		if err != nil {
			s.logger.Warn("query embedding failed, using keyword match",
				"collection", coll, "error", err)
		} else {
			queryVec = v
		}
	}

	docs, vecs, err := s.candidates(ctx, coll, userID)
	if err != nil {
		return nil, err
	}

	var scored []embeddings.Scored
	if queryVec != nil {
		scored = embeddings.TopK(queryVec, vecs, limit, minScore)
	} else {
		scored = keywordTopK(query, docs, limit)
	}

	out := make([]Match, 0, len(scored))
	for _, sc := range scored {
		if sc.Score <= 0 {
			continue
		}
		out = append(out, Match{Document: docs[sc.Index], Score: sc.Score})
	}
	return out, nil
}

// candidates loads the newest documents of coll with their vectors.
// Documents without a vector get a nil entry in vecs, which never
// scores above zero.
func (s *Store) candidates(ctx context.Context, coll Collection, userID string) ([]Document, [][]float32, error) {
	q := `SELECT id, user_id, text, metadata, embedding, created_at FROM documents WHERE collection = ?`
	args := []any{string(coll)}
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, maxCandidates)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("query %s: %w", coll, err)
	}
	defer rows.Close()

	var (
		docs []Document
		vecs [][]float32
	)
	for rows.Next() {
		var (
			d       Document
			md      string
			blob    []byte
			created string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Text, &md, &blob, &created); err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		d.Collection = coll
		d.CreatedAt, _ = time.Parse(timeLayout, created)
		if err := json.Unmarshal([]byte(md), &d.Metadata); err != nil {
			s.logger.Debug("bad metadata, ignoring", "id", d.ID, "error", err)
		}
		docs = append(docs, d)

		var vec []float32
		if len(blob) > 0 {
			vec = embeddings.Decode(blob)
		}
		vecs = append(vecs, vec)
	}
	return docs, vecs, rows.Err()
}

// Count reports how many documents coll holds.
func (s *Store) Count(ctx context.Context, coll Collection) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, string(coll)).Scan(&n)
	return n, err
}

// Delete removes a document by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// EmbedMissing computes vectors for documents stored without one, for
// instance after the embedding service was unreachable. It returns the
// number of documents updated.
func (s *Store) EmbedMissing(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text FROM documents WHERE embedding IS NULL OR length(embedding) = 0`)
	if err != nil {
		return 0, err
	}
	type pending struct{ id, text string }
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.text); err != nil {
			rows.Close()
			return 0, err
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	updated := 0
	for _, p := range todo {
		vec, err := s.embedder.Generate(ctx, p.text)
		if err != nil {
			return updated, fmt.Errorf("embed %s: %w", p.id, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE documents SET embedding = ? WHERE id = ?`, embeddings.Encode(vec), p.id); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// keywordTopK scores documents by the share of distinct query terms
// they contain.
func keywordTopK(query string, docs []Document, k int) []embeddings.Scored {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	var scored []embeddings.Scored
	for i, d := range docs {
		words := make(map[string]bool)
		for _, w := range tokenize(d.Text) {
			words[w] = true
		}
		hits := 0
		for _, t := range terms {
			if words[t] {
				hits++
			}
		}
		if hits > 0 {
			scored = append(scored, embeddings.Scored{Index: i, Score: float32(hits) / float32(len(terms))})
		}
	}

	// Stable selection keeps newer documents first on ties.
	for i := 0; i < k && i < len(scored); i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if scored[j].Score > scored[best].Score {
				best = j
			}
		}
		if best != i {
			m := scored[best]
			copy(scored[i+1:best+1], scored[i:best])
			scored[i] = m
		}
	}
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

// tokenize lowercases s and returns its distinct words of three or more
// letters or digits.
func tokenize(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

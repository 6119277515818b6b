package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// rrfK is the Reciprocal Rank Fusion constant.
const rrfK = 60

// Embedder embeds texts for the vector leg of the hybrid search.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SQLiteStore runs hybrid search over a prebuilt index file: a keyword leg
// over the passage text plus a cosine-similarity leg over stored embeddings,
// fused with RRF. The store only reads; building the index is someone else's
// job.
//
// Expected schema:
//
//	CREATE TABLE passages (id TEXT PRIMARY KEY, text TEXT NOT NULL, embedding TEXT);
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
}

// NewSQLiteStore opens the index read-only. embedder may be nil, disabling
// the vector leg.
func NewSQLiteStore(path string, embedder Embedder) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open index %s", path)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "open index %s", path)
	}
	return &SQLiteStore{db: db, embedder: embedder}, nil
}

// Search implements Store. The keyword and vector legs run sequentially;
// an embedder failure degrades to keyword-only results.
func (s *SQLiteStore) Search(ctx context.Context, query string, topK int) ([]Passage, error) {
	keyword, err := s.keywordSearch(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	vector := s.vectorSearchDegraded(ctx, query, topK)
	return rrfMerge(keyword, vector, topK), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// keywordSearch ranks passages by how many query terms they contain. The
// filter runs in SQL on core functions only (instr, lower) so any sqlite
// build works; user input is matched literally and can never break the
// query syntax.
func (s *SQLiteStore) keywordSearch(ctx context.Context, query string, limit int) ([]Passage, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, text FROM passages WHERE `)
	args := make([]any, 0, len(terms))
	for i, term := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("instr(lower(text), ?) > 0")
		args = append(args, term)
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "keyword query")
	}
	defer func() { _ = rows.Close() }()

	var out []Passage
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.ID, &p.Text); err != nil {
			return nil, errors.Wrap(err, "scan keyword row")
		}
		lowered := strings.ToLower(p.Text)
		for _, term := range terms {
			if strings.Contains(lowered, term) {
				p.Score++
			}
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// vectorSearchDegraded embeds the query and ranks stored vectors by cosine
// similarity. Any failure returns nil so the caller falls back to keywords.
func (s *SQLiteStore) vectorSearchDegraded(ctx context.Context, query string, limit int) []Passage {
	if s.embedder == nil {
		return nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Str("component", "retrieval").Msg("query embedding failed, keyword-only search")
		return nil
	}
	queryVec := vecs[0]

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding FROM passages WHERE embedding IS NOT NULL`)
	if err != nil {
		log.Warn().Err(err).Str("component", "retrieval").Msg("vector scan failed, keyword-only search")
		return nil
	}
	defer func() { _ = rows.Close() }()

	var scored []Passage
	for rows.Next() {
		var p Passage
		var embedding string
		if err := rows.Scan(&p.ID, &p.Text, &embedding); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embedding), &vec); err != nil {
			continue
		}
		p.Score = cosineSimilarity(queryVec, vec)
		scored = append(scored, p)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// rrfMerge fuses the two ranked lists with Reciprocal Rank Fusion.
func rrfMerge(keyword, vector []Passage, limit int) []Passage {
	scores := map[string]float64{}
	texts := map[string]string{}
	for rank, p := range keyword {
		scores[p.ID] += 1.0 / float64(rrfK+rank+1)
		texts[p.ID] = p.Text
	}
	for rank, p := range vector {
		scores[p.ID] += 1.0 / float64(rrfK+rank+1)
		if _, ok := texts[p.ID]; !ok {
			texts[p.ID] = p.Text
		}
	}

	merged := make([]Passage, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, Passage{ID: id, Text: texts[id], Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

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

// queryTerms lowercases the query and splits it into distinct terms, trimming
// punctuation so operator-looking input degrades to plain words.
func queryTerms(query string) []string {
	seen := map[string]bool{}
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/choraleia/concierge/pkg/db"
	"github.com/choraleia/concierge/pkg/utils"
	"gorm.io/gorm"
)

// RetrievalConfig holds configuration for context retrieval
type RetrievalConfig struct {
	DefaultTokenBudget int     `yaml:"default_token_budget"`
	VectorCandidates   int     `yaml:"vector_candidates"`  // per filtered query
	KeywordCandidates  int     `yaml:"keyword_candidates"` // rows scanned by the LIKE fallback
	MinSimilarity      float32 `yaml:"min_similarity"`
}

func DefaultRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		DefaultTokenBudget: 1500,
		VectorCandidates:   20,
		KeywordCandidates:  50,
		MinSimilarity:      0.3,
	}
}

// RetrievalScope limits which chunks a query may see. Chunks private to a
// customer are only visible when CustomerID matches.
type RetrievalScope struct {
	TenantID   string `json:"tenant_id"`
	CustomerID string `json:"customer_id,omitempty"`
}

// SourceRef points back at the business record a snippet came from.
type SourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Snippet is one ranked piece of business context.
type Snippet struct {
	SourceRef SourceRef `json:"source_ref"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
	Tokens    int       `json:"tokens"`
}

// Retriever is the context lookup used by the completion orchestrator.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope RetrievalScope, budget int) ([]Snippet, error)
}

// RetrievalService combines vector similarity from chromem-go with a LIKE
// keyword search over the chunk table.
type RetrievalService struct {
	db      *gorm.DB
	vectors *VectorStore
	config  *RetrievalConfig
	logger  *slog.Logger
}

func NewRetrievalService(database *gorm.DB, vectors *VectorStore, config *RetrievalConfig) *RetrievalService {
	if config == nil {
		config = DefaultRetrievalConfig()
	}
	return &RetrievalService{
		db:      database,
		vectors: vectors,
		config:  config,
		logger:  utils.GetLogger(),
	}
}

type candidate struct {
	chunk db.KnowledgeChunk
	score float64
}

// Retrieve returns snippets for query ranked by score, ties broken by the most
// recently updated source, and packed greedily into budget tokens. A query
// without matches yields an empty slice and a nil error. Only when both the
// vector index and the chunk table fail is ErrRetrievalUnavailable returned.
func (s *RetrievalService) Retrieve(ctx context.Context, query string, scope RetrievalScope, budget int) ([]Snippet, error) {
	start := time.Now()
	defer func() { retrievalDuration.Observe(time.Since(start).Seconds()) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return []Snippet{}, nil
	}
	if budget <= 0 {
		budget = s.config.DefaultTokenBudget
	}

	candidates := make(map[string]candidate)

	vectorOK := false
	var vectorErr error
	if s.vectors.Enabled() {
		vectorErr = s.vectorSearch(ctx, query, scope, candidates)
		vectorOK = vectorErr == nil
		if vectorErr != nil {
			s.logger.Warn("Vector search failed, falling back to keyword search", "tenantID", scope.TenantID, "error", vectorErr)
		}
	}

	keywordErr := s.keywordSearch(ctx, query, scope, candidates)
	if keywordErr != nil {
		s.logger.Warn("Keyword search failed", "tenantID", scope.TenantID, "error", keywordErr)
		if !vectorOK {
			retrievalFailures.Inc()
			return nil, newTurnError(KindRetrievalUnavailable, "retrieve",
				fmt.Errorf("%w: %v", ErrRetrievalUnavailable, errors.Join(vectorErr, keywordErr)))
		}
	}

	return packSnippets(rankCandidates(candidates), budget), nil
}

func (s *RetrievalService) vectorSearch(ctx context.Context, query string, scope RetrievalScope, out map[string]candidate) error {
	vec, err := s.vectors.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to embed query: %w", err)
	}

	filters := []map[string]string{{metaVisibility: visibilityShared}}
	if scope.CustomerID != "" {
		filters = append(filters, map[string]string{metaVisibility: visibilityPrivate, metaCustomerID: scope.CustomerID})
	}

	scores := make(map[string]float32)
	for _, where := range filters {
		hits, err := s.vectors.Search(ctx, scope.TenantID, vec, where, s.config.VectorCandidates)
		if err != nil {
			return err
		}
		for _, h := range hits {
			if h.Similarity < s.config.MinSimilarity {
				continue
			}
			scores[h.ChunkID] = h.Similarity
		}
	}
	if len(scores) == 0 {
		return nil
	}

	ids := make([]string, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	var rows []db.KnowledgeChunk
	// The row filter repeats the scope so a stale vector can never leak
	// another customer's chunk.
	if err := s.scoped(ctx, scope).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	for _, row := range rows {
		out[row.ID] = candidate{chunk: row, score: float64(scores[row.ID])}
	}
	return nil
}

// keywordSearch scores chunks by the share of query terms they contain,
// scaled into (0, 0.5] so a vector match of reasonable similarity ranks
// first. It always covers every chunk in scope: the local vector index may
// lag the table, and a chunk keeps the better of its two scores.
func (s *RetrievalService) keywordSearch(ctx context.Context, query string, scope RetrievalScope, out map[string]candidate) error {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	clauses := make([]string, 0, len(terms)*2)
	args := make([]interface{}, 0, len(terms)*2)
	for _, t := range terms {
		pattern := "%" + escapeLike(t) + "%"
		clauses = append(clauses, "LOWER(content) LIKE ? ESCAPE '!'", "LOWER(title) LIKE ? ESCAPE '!'")
		args = append(args, pattern, pattern)
	}

	q := s.scoped(ctx, scope).Where("("+strings.Join(clauses, " OR ")+")", args...)
	var rows []db.KnowledgeChunk
	if err := q.Order("source_updated_at DESC").Limit(s.config.KeywordCandidates).Find(&rows).Error; err != nil {
		return fmt.Errorf("keyword search failed: %w", err)
	}

	for _, row := range rows {
		text := strings.ToLower(row.Title + " " + row.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := 0.5 * float64(matched) / float64(len(terms))
		if prev, ok := out[row.ID]; !ok || prev.score < score {
			out[row.ID] = candidate{chunk: row, score: score}
		}
	}
	return nil
}

func (s *RetrievalService) scoped(ctx context.Context, scope RetrievalScope) *gorm.DB {
	return s.db.WithContext(ctx).Model(&db.KnowledgeChunk{}).
		Where("tenant_id = ?", scope.TenantID).
		Where("(customer_id = ? OR customer_id = ?)", "", scope.CustomerID)
}

// rankCandidates keeps the best chunk per source and orders the result.
func rankCandidates(candidates map[string]candidate) []Snippet {
	best := make(map[SourceRef]candidate)
	for _, c := range candidates {
		ref := SourceRef{Type: c.chunk.SourceType, ID: c.chunk.SourceID}
		prev, ok := best[ref]
		if !ok || c.score > prev.score || (c.score == prev.score && c.chunk.ChunkIndex < prev.chunk.ChunkIndex) {
			best[ref] = c
		}
	}

	snippets := make([]Snippet, 0, len(best))
	for ref, c := range best {
		snippets = append(snippets, Snippet{
			SourceRef: ref,
			Title:     c.chunk.Title,
			Content:   c.chunk.Content,
			Score:     c.score,
			UpdatedAt: c.chunk.SourceUpdatedAt,
			Tokens:    utils.EstimateTokens(c.chunk.Content),
		})
	}
	sort.SliceStable(snippets, func(i, j int) bool {
		a, b := snippets[i], snippets[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.SourceRef.Type != b.SourceRef.Type {
			return a.SourceRef.Type < b.SourceRef.Type
		}
		return a.SourceRef.ID < b.SourceRef.ID
	})
	return snippets
}

// packSnippets includes snippets in rank order while they fit. A snippet that
// does not fit is skipped; smaller ones after it may still be included.
func packSnippets(ranked []Snippet, budget int) []Snippet {
	out := make([]Snippet, 0, len(ranked))
	used := 0
	for _, sn := range ranked {
		if used+sn.Tokens > budget {
			continue
		}
		used += sn.Tokens
		out = append(out, sn)
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "you": true, "your": true, "are": true,
	"can": true, "with": true, "what": true, "how": true, "need": true, "want": true,
	"have": true, "this": true, "that": true, "from": true, "about": true, "please": true,
	"would": true, "like": true, "does": true, "any": true, "get": true,
}

// queryTerms lower-cases query and keeps distinct words of three or more
// characters that are not stop words.
func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

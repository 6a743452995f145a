package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/parley/internal/chat"
)

// Limits caps how many entries each collection contributes.
type Limits struct {
	Conversations      int
	LearningMaterials  int
	NewsArticles       int
	CorrectionFeedback int
}

// DefaultLimits are used for any zero field.
var DefaultLimits = Limits{
	Conversations:      3,
	LearningMaterials:  2,
	NewsArticles:       1,
	CorrectionFeedback: 2,
}

// Searcher is the lookup a [Retriever] needs. [*Store] implements it.
type Searcher interface {
	Search(ctx context.Context, coll Collection, query, userID string, limit int, minScore float32) ([]Match, error)
}

// Retriever assembles a turn's long-term context from four independent
// similarity lookups.
type Retriever struct {
	store    Searcher
	limits   Limits
	minScore float32
	logger   *slog.Logger
}

// NewRetriever creates a retriever over store.
func NewRetriever(store Searcher, limits Limits, minScore float32, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.Conversations == 0 {
		limits.Conversations = DefaultLimits.Conversations
	}
	if limits.LearningMaterials == 0 {
		limits.LearningMaterials = DefaultLimits.LearningMaterials
	}
	if limits.NewsArticles == 0 {
		limits.NewsArticles = DefaultLimits.NewsArticles
	}
	if limits.CorrectionFeedback == 0 {
		limits.CorrectionFeedback = DefaultLimits.CorrectionFeedback
	}
	return &Retriever{
		store:    store,
		limits:   limits,
		minScore: minScore,
		logger:   logger.With("component", "retriever"),
	}
}

// SearchRelevantContext returns the entries most similar to query.
// Conversations and correction feedback are restricted to userID when it
// is non-empty; learning materials and news are shared. A failed lookup
// leaves its slice empty, so the result is always structurally complete.
func (r *Retriever) SearchRelevantContext(ctx context.Context, query, userID string) chat.RelevantContext {
	start := time.Now()
	rc := chat.EmptyContext()

	lookups := []struct {
		coll   Collection
		user   string
		limit  int
		target *[]chat.ContextEntry
	}{
		{Conversations, userID, r.limits.Conversations, &rc.Conversations},
		{LearningMaterials, "", r.limits.LearningMaterials, &rc.LearningMaterials},
		{NewsArticles, "", r.limits.NewsArticles, &rc.NewsArticles},
		{CorrectionFeedback, userID, r.limits.CorrectionFeedback, &rc.CorrectionFeedback},
	}

	// Each goroutine writes only its own slice; errors are absorbed.
	var g errgroup.Group
	for _, l := range lookups {
		g.Go(func() error {
			matches, err := r.store.Search(ctx, l.coll, query, l.user, l.limit, r.minScore)
			if err != nil {
				r.logger.Warn("context lookup failed", "collection", l.coll, "error", err)
				return nil
			}
			entries := make([]chat.ContextEntry, 0, len(matches))
			for _, m := range matches {
				entries = append(entries, m.Entry())
			}
			*l.target = entries
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("context retrieved",
		"conversations", len(rc.Conversations),
		"learning_materials", len(rc.LearningMaterials),
		"news_articles", len(rc.NewsArticles),
		"correction_feedback", len(rc.CorrectionFeedback),
		"elapsed", time.Since(start),
	)
	return rc
}

package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/orchestrator"
	"github.com/nugget/parley/internal/retrieval"
)

// Memory is the long-term store a turn is archived into;
// *retrieval.Store implements it.
type Memory interface {
	IndexConversation(ctx context.Context, userID string, msg chat.Message) (string, error)
	IndexCorrection(ctx context.Context, userID string, c chat.Correction, at time.Time) (string, error)
	IndexNewsArticle(ctx context.Context, a chat.Article) (string, error)
}

// CorrectionLog remembers corrections on the learner's profile;
// *profile.Store implements it.
type CorrectionLog interface {
	AddCorrection(ctx context.Context, id string, rc chat.RecentCorrection) error
}

// TurnPublisher receives a summary of every archived turn;
// *mqtt.Publisher implements it.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, s mqtt.TurnSummary)
}

// ArchiveObserver counts archive writes; *metrics.Collector implements
// it.
type ArchiveObserver interface {
	ObserveArchive(collection string, err error)
}

// RecorderOptions are the optional sinks of a [TurnRecorder].
type RecorderOptions struct {
	Publisher TurnPublisher
	Observer  ArchiveObserver
	Bus       *events.Bus
}

// TurnRecorder writes finished turns to long-term memory: both sides
// of the exchange into conversations, a suggestion into correction
// feedback and the learner's recent corrections, and a freshly fetched
// article into news articles. Every write is independent; failures are
// logged and counted but never surface to the learner.
type TurnRecorder struct {
	memory   Memory
	profiles CorrectionLog
	opts     RecorderOptions
	logger   *slog.Logger
	now      func() time.Time
}

// NewTurnRecorder creates a recorder. profiles may be nil.
func NewTurnRecorder(memory Memory, profiles CorrectionLog, opts RecorderOptions, logger *slog.Logger) *TurnRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnRecorder{
		memory:   memory,
		profiles: profiles,
		opts:     opts,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
	}
}

// Archive stores res. It is called once the turn's stream has ended.
func (t *TurnRecorder) Archive(ctx context.Context, res *orchestrator.Result) {
	now := t.now()
	userID := res.Profile.ID
	logger := t.logger.With("turn", res.TurnID)

	write := func(coll retrieval.Collection, fn func() error) {
		err := fn()
		if t.opts.Observer != nil {
			t.opts.Observer.ObserveArchive(string(coll), err)
		}
		if err != nil {
			logger.Warn("archive write failed", "collection", coll, "error", err)
		}
	}

	if t.memory != nil {
		write(retrieval.Conversations, func() error {
			_, err := t.memory.IndexConversation(ctx, userID, chat.NewMessage(chat.SenderUser, res.Message, now))
			return err
		})
		if res.Reply != "" {
			write(retrieval.Conversations, func() error {
				_, err := t.memory.IndexConversation(ctx, userID, chat.NewMessage(chat.SenderAssistant, res.Reply, now))
				return err
			})
		}
		if res.Correction.HasSuggestion {
			write(retrieval.CorrectionFeedback, func() error {
				_, err := t.memory.IndexCorrection(ctx, userID, res.Correction, now)
				return err
			})
		}
		// The fallback article has no URL and nothing worth remembering.
		if res.Article != nil && res.Article.URL != "" {
			write(retrieval.NewsArticles, func() error {
				_, err := t.memory.IndexNewsArticle(ctx, *res.Article)
				return err
			})
		}
	}

	if t.profiles != nil && res.Correction.HasSuggestion {
		if err := t.profiles.AddCorrection(ctx, userID, chat.RecentCorrection{
			Original:  res.Correction.Original,
			Corrected: res.Correction.Corrected,
			Type:      res.Correction.Type,
			Timestamp: now.UTC().Format(time.RFC3339Nano),
		}); err != nil {
			logger.Warn("recent correction not saved", "error", err)
		}
	}

	summary := mqtt.TurnSummary{
		TurnID:         res.TurnID,
		Timestamp:      now,
		TopicSource:    string(res.TopicSource),
		Suggestion:     res.Correction.HasSuggestion,
		CorrectionType: string(res.Correction.Type),
		Fragments:      res.Fragments,
		DurationMS:     res.Duration.Milliseconds(),
	}
	if res.Article != nil {
		summary.ArticleTitle = res.Article.Title
	}
	if t.opts.Publisher != nil {
		t.opts.Publisher.PublishTurn(ctx, summary)
	}
	t.opts.Bus.Publish(events.Event{
		Source: events.SourceAPI,
		Kind:   events.KindTurnArchived,
		Data: map[string]any{
			"turn_id":    res.TurnID,
			"topic":      string(res.TopicSource),
			"suggestion": res.Correction.HasSuggestion,
			"fragments":  res.Fragments,
		},
	})
	logger.Debug("turn archived", "elapsed", t.now().Sub(now))
}

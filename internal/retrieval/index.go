package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/parley/internal/chat"
)

// IndexConversation stores one side of an exchange for userID.
func (s *Store) IndexConversation(ctx context.Context, userID string, msg chat.Message) (string, error) {
	ts := msg.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return s.Add(ctx, Document{
		Collection: Conversations,
		UserID:     userID,
		Text:       msg.Text,
		Metadata: map[string]any{
			"userId":    userID,
			"timestamp": ts,
			"sender":    string(msg.Sender),
		},
	})
}

// IndexLearningMaterial stores a shared study document.
func (s *Store) IndexLearningMaterial(ctx context.Context, topic, level string, tags []string, text string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	return s.Add(ctx, Document{
		Collection: LearningMaterials,
		Text:       text,
		Metadata: map[string]any{
			"topic": topic,
			"level": level,
			"tags":  tags,
		},
	})
}

// IndexNewsArticle stores an article the news agent found.
func (s *Store) IndexNewsArticle(ctx context.Context, a chat.Article) (string, error) {
	text := a.FullText
	if text == "" {
		text = a.Title
	}
	return s.Add(ctx, Document{
		Collection: NewsArticles,
		Text:       text,
		Metadata: map[string]any{
			"title":         a.Title,
			"url":           a.URL,
			"publishedDate": a.PublishedDate,
			"source":        a.Source,
		},
	})
}

// IndexCorrection stores a suggestion so later corrections can take the
// learner's recurring mistakes into account. No-suggestion corrections
// are skipped and return an empty ID.
func (s *Store) IndexCorrection(ctx context.Context, userID string, c chat.Correction, at time.Time) (string, error) {
	if !c.HasSuggestion {
		return "", nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	return s.Add(ctx, Document{
		Collection: CorrectionFeedback,
		UserID:     userID,
		Text:       c.Original + " -> " + c.Corrected + ": " + c.Explanation,
		CreatedAt:  at,
		Metadata: map[string]any{
			"userId":          userID,
			"timestamp":       at.UTC().Format(time.RFC3339Nano),
			"originalText":    c.Original,
			"correctedText":   c.Corrected,
			"correction_type": string(c.Type),
			"explanation":     c.Explanation,
		},
	})
}

// DeleteLearningMaterials removes learning materials whose topic is
// root or nested beneath it ("root / ..."), so a document can be
// re-imported cleanly. It returns the number of rows removed.
func (s *Store) DeleteLearningMaterials(ctx context.Context, root string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE collection = ?
		  AND (json_extract(metadata, '$.topic') = ?
		       OR substr(json_extract(metadata, '$.topic'), 1, length(?)) = ?)`,
		string(LearningMaterials), root, root+TopicSeparator, root+TopicSeparator)
	if err != nil {
		return 0, fmt.Errorf("delete learning materials under %q: %w", root, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TopicSeparator joins the heading path of a learning-material topic.
const TopicSeparator = " / "

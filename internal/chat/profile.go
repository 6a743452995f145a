package chat

import "strings"

// UserProfile is the learner the conversation is personalised for.
type UserProfile struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Interests         []string           `json:"interests"`
	LearningLevel     string             `json:"learningLevel"`
	RecentCorrections []RecentCorrection `json:"recentCorrections"`
}

// RecentCorrection is one past correction remembered on the profile.
type RecentCorrection struct {
	Original  string         `json:"original"`
	Corrected string         `json:"corrected"`
	Type      CorrectionType `json:"correction_type,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Article is a news article found for a topic.
type Article struct {
	Title         string `json:"title"`
	Source        string `json:"source"`
	URL           string `json:"url"`
	FullText      string `json:"fullText"`
	PublishedDate string `json:"publishedDate,omitempty"`
}

// ContextEntry is one retrieved document with its collection metadata.
type ContextEntry struct {
	Document string         `json:"document"`
	Metadata map[string]any `json:"metadata"`
}

// RelevantContext is the long-term memory retrieved for a turn. All four
// slices are always non-nil so it serialises as empty arrays.
type RelevantContext struct {
	Conversations      []ContextEntry `json:"conversations"`
	LearningMaterials  []ContextEntry `json:"learningMaterials"`
	NewsArticles       []ContextEntry `json:"newsArticles"`
	CorrectionFeedback []ContextEntry `json:"correctionFeedback"`
}

// EmptyContext returns a structurally complete, empty context.
func EmptyContext() RelevantContext {
	return RelevantContext{
		Conversations:      []ContextEntry{},
		LearningMaterials:  []ContextEntry{},
		NewsArticles:       []ContextEntry{},
		CorrectionFeedback: []ContextEntry{},
	}
}

// Normalize replaces nil slices with empty ones.
func (rc RelevantContext) Normalize() RelevantContext {
	if rc.Conversations == nil {
		rc.Conversations = []ContextEntry{}
	}
	if rc.LearningMaterials == nil {
		rc.LearningMaterials = []ContextEntry{}
	}
	if rc.NewsArticles == nil {
		rc.NewsArticles = []ContextEntry{}
	}
	if rc.CorrectionFeedback == nil {
		rc.CorrectionFeedback = []ContextEntry{}
	}
	return rc
}

// FeedbackText flattens the correction-feedback documents into one
// newline-separated block for the correction agent.
func (rc RelevantContext) FeedbackText() string {
	docs := make([]string, len(rc.CorrectionFeedback))
	for i, e := range rc.CorrectionFeedback {
		docs[i] = e.Document
	}
	return strings.Join(docs, "\n")
}

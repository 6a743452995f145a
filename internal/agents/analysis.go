package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
)

// AnalysisInput is the article to study and the learner it is for.
type AnalysisInput struct {
	Article chat.Article
	Profile chat.UserProfile
}

// AnalysisAgent turns an article into a topic: a summary, key
// vocabulary and discussion questions pitched at the learner's level.
type AnalysisAgent struct {
	llm    llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewAnalysisAgent creates an analysis agent.
func NewAnalysisAgent(client llm.Client, cfg Config, logger *slog.Logger) *AnalysisAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisAgent{llm: client, cfg: cfg, logger: logger.With("agent", "analysis")}
}

// Run analyzes in.Article.
func (a *AnalysisAgent) Run(ctx context.Context, in AnalysisInput) (chat.TopicContext, error) {
	if strings.TrimSpace(in.Article.FullText) == "" && strings.TrimSpace(in.Article.Title) == "" {
		return chat.TopicContext{}, errors.New("analysis: article is empty")
	}

	p := startPhases(a.logger)
	prompt := prompts.AnalysisPrompt(in.Profile.LearningLevel, in.Profile.Interests, in.Article.Title, in.Article.FullText)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	p.mark("prepare")

	ctx, cancel := a.cfg.withTimeout(ctx)
	defer cancel()
	resp, err := a.llm.Chat(ctx, a.cfg.Model, msgs, a.cfg.options(true))
	if err != nil {
		return chat.TopicContext{}, fmt.Errorf("analysis: %w", err)
	}
	p.mark("call")

	topic, err := parseTopic(resp.Message.Content)
	if err != nil {
		a.logger.Debug("unparseable analysis", "content", resp.Message.Content)
		return chat.TopicContext{}, fmt.Errorf("analysis: %w", err)
	}
	p.mark("process")

	a.logger.Info("article analyzed",
		"title", in.Article.Title,
		"vocabulary", len(topic.Vocabulary),
		"questions", len(topic.Questions),
		"elapsed", p.total(),
	)
	return topic, nil
}

func parseTopic(content string) (chat.TopicContext, error) {
	var t chat.TopicContext
	if err := json.Unmarshal([]byte(extractJSON(content)), &t); err != nil {
		return chat.TopicContext{}, fmt.Errorf("decode topic: %w", err)
	}
	t.Summary = strings.TrimSpace(t.Summary)
	if t.Summary == "" {
		return chat.TopicContext{}, errors.New("topic has no summary")
	}

	vocab := t.Vocabulary[:0]
	for _, v := range t.Vocabulary {
		if strings.TrimSpace(v.Word) != "" {
			vocab = append(vocab, v)
		}
	}
	t.Vocabulary = vocab
	if t.Vocabulary == nil {
		t.Vocabulary = []chat.VocabularyItem{}
	}
	if t.Questions == nil {
		t.Questions = []string{}
	}
	return t, nil
}

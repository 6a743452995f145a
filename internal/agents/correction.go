package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
)

// FallbackFeedback is the feedback of the correction returned when the
// model cannot produce a usable answer.
const FallbackFeedback = "I couldn't check this message right now. Keep going!"

// CorrectionInput is the learner's message and the text of their past
// corrections.
type CorrectionInput struct {
	Message  string
	Feedback string
}

// CorrectionAgent checks the learner's message and suggests an
// improvement.
type CorrectionAgent struct {
	llm    llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewCorrectionAgent creates a correction agent.
func NewCorrectionAgent(client llm.Client, cfg Config, logger *slog.Logger) *CorrectionAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CorrectionAgent{llm: client, cfg: cfg, logger: logger.With("agent", "correction")}
}

// Run always returns a well-formed correction and a nil error. Output
// that does not parse gets one repair attempt, after which a
// no-suggestion correction carrying [FallbackFeedback] is returned.
func (a *CorrectionAgent) Run(ctx context.Context, in CorrectionInput) (chat.Correction, error) {
	p := startPhases(a.logger)
	msgs := []llm.Message{{Role: llm.RoleUser, Content: prompts.CorrectionPrompt(in.Message, in.Feedback)}}
	p.mark("prepare")

	content, err := a.call(ctx, msgs)
	if err != nil {
		a.logger.Warn("correction call failed", "error", err)
		return chat.NoSuggestion(FallbackFeedback), nil
	}
	p.mark("call")

	c, perr := parseCorrection(content, in.Message)
	if perr != nil {
		a.logger.Debug("repairing correction output", "error", perr)
		repair := append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: content},
			llm.Message{Role: llm.RoleUser, Content: prompts.CorrectionRepairPrompt(perr, content, in.Message)},
		)
		content, err = a.call(ctx, repair)
		if err == nil {
			c, perr = parseCorrection(content, in.Message)
		}
		p.mark("repair")
		if err != nil || perr != nil {
			a.logger.Warn("correction output unusable after repair", "call_error", err, "parse_error", perr)
			return chat.NoSuggestion(FallbackFeedback), nil
		}
	}
	p.mark("process")

	a.logger.Info("message checked",
		"has_suggestion", c.HasSuggestion,
		"type", c.Type,
		"elapsed", p.total(),
	)
	return c, nil
}

func (a *CorrectionAgent) call(ctx context.Context, msgs []llm.Message) (string, error) {
	ctx, cancel := a.cfg.withTimeout(ctx)
	defer cancel()
	resp, err := a.llm.Chat(ctx, a.cfg.Model, msgs, a.cfg.options(true))
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// parseCorrection decodes and normalizes a correction answer.
func parseCorrection(content, message string) (chat.Correction, error) {
	var c chat.Correction
	if err := json.Unmarshal([]byte(extractJSON(content)), &c); err != nil {
		return chat.Correction{}, fmt.Errorf("decode correction: %w", err)
	}

	if !c.HasSuggestion {
		return chat.NoSuggestion(strings.TrimSpace(c.Feedback)), nil
	}

	if ct, ok := chat.ParseCorrectionType(string(c.Type)); ok {
		c.Type = ct
	}
	if strings.TrimSpace(c.Original) == "" {
		c.Original = message
	}
	c.Corrected = strings.TrimSpace(c.Corrected)
	c.Feedback = ""

	// A "correction" identical to the input is not a suggestion.
	if c.Corrected == strings.TrimSpace(message) {
		fb := c.Explanation
		if fb == "" {
			fb = "Looks good!"
		}
		return chat.NoSuggestion(fb), nil
	}
	if err := c.Validate(); err != nil {
		return chat.Correction{}, err
	}
	return c, nil
}

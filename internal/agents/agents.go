// Package agents holds the four single-purpose workers a conversation
// turn is built from: finding a news article, turning it into study
// material, correcting the learner's message, and generating the
// tutor's reply.
//
// Agents are stateless apart from the immutable [Config] they are
// constructed with, so one instance serves concurrent turns.
package agents

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// Config is the per-agent model configuration.
type Config struct {
	Model       string
	Temperature *float64
	TopP        *float64
	TopK        int
	MaxTokens   int

	// Stream selects incremental generation where the agent supports it.
	Stream bool

	// Timeout bounds one model call. Zero means no agent-level limit.
	Timeout time.Duration
}

func (c Config) options(json bool) llm.Options {
	return llm.Options{
		Temperature: c.Temperature,
		TopP:        c.TopP,
		TopK:        c.TopK,
		MaxTokens:   c.MaxTokens,
		JSON:        json,
	}
}

func (c Config) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// phaseTimer logs how long each phase of an agent run took.
type phaseTimer struct {
	logger *slog.Logger
	start  time.Time
	last   time.Time
}

func startPhases(logger *slog.Logger) *phaseTimer {
	now := time.Now()
	return &phaseTimer{logger: logger, start: now, last: now}
}

// mark records the end of phase.
func (p *phaseTimer) mark(phase string) {
	now := time.Now()
	p.logger.Debug("phase complete", "phase", phase, "elapsed", now.Sub(p.last))
	p.last = now
}

// total returns the time since the run started.
func (p *phaseTimer) total() time.Duration {
	return time.Since(p.start)
}

// extractJSON strips Markdown code fences and any prose around the
// outermost JSON object in s.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			// Drop a language tag such as ```json.
			if tag := strings.TrimSpace(s[:i]); !strings.ContainsAny(tag, "{[") {
				s = s[i+1:]
			}
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

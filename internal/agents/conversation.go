package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/prompts"
)

// ErrEmptyReply is yielded when the model finishes without producing
// any text.
var ErrEmptyReply = errors.New("conversation: model returned an empty reply")

// ConversationInput is everything the tutor sees for one reply.
type ConversationInput struct {
	Profile chat.UserProfile
	Topic   *chat.TopicContext // nil when the thread has no topic

	// History is the thread so far, oldest first. System messages are
	// skipped.
	History []chat.Message

	// Message is the learner's message, already replaced by its
	// correction when one was suggested.
	Message string
	Context chat.RelevantContext
}

// ConversationAgent generates the tutor's reply.
type ConversationAgent struct {
	llm    llm.Client
	cfg    Config
	logger *slog.Logger
}

// NewConversationAgent creates a conversation agent.
func NewConversationAgent(client llm.Client, cfg Config, logger *slog.Logger) *ConversationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationAgent{llm: client, cfg: cfg, logger: logger.With("agent", "conversation")}
}

// Run prepares the reply and returns it as a lazy sequence of text
// fragments. No model call is made until the sequence is ranged over,
// and it can be ranged over once. Generation errors are yielded as the
// final element; stopping early cancels the model call.
//
// With streaming disabled the whole reply is a single fragment.
func (a *ConversationAgent) Run(ctx context.Context, in ConversationInput) (iter.Seq2[string, error], error) {
	p := startPhases(a.logger)
	msgs, err := buildConversation(in)
	if err != nil {
		return nil, err
	}
	p.mark("prepare")

	used := false
	return func(yield func(string, error) bool) {
		if used {
			yield("", errors.New("conversation: reply sequence already consumed"))
			return
		}
		used = true

		ctx, cancel := a.cfg.withTimeout(ctx)
		defer cancel()

		if a.cfg.Stream {
			a.stream(ctx, cancel, msgs, p, yield)
			return
		}

		resp, err := a.llm.Chat(ctx, a.cfg.Model, msgs, a.cfg.options(false))
		p.mark("call")
		if err != nil {
			yield("", fmt.Errorf("conversation: %w", err))
			return
		}
		if resp.Message.Content == "" {
			yield("", ErrEmptyReply)
			return
		}
		a.logger.Info("reply generated", "chars", len(resp.Message.Content), "elapsed", p.total())
		yield(resp.Message.Content, nil)
	}, nil
}

// stream relays tokens from a streaming call to yield. Providers invoke
// the callback on the calling goroutine, so yield runs on the range
// loop's goroutine as iter requires.
func (a *ConversationAgent) stream(ctx context.Context, cancel context.CancelFunc, msgs []llm.Message, p *phaseTimer, yield func(string, error) bool) {
	stopped := false
	fragments := 0
	first := true

	_, err := a.llm.ChatStream(ctx, a.cfg.Model, msgs, a.cfg.options(false), func(ev llm.StreamEvent) {
		if stopped || ev.Kind != llm.KindToken || ev.Token == "" {
			return
		}
		if first {
			p.mark("first_token")
			first = false
		}
		fragments++
		if !yield(ev.Token, nil) {
			stopped = true
			cancel()
		}
	})
	if stopped {
		return
	}
	p.mark("stream")
	if err != nil {
		yield("", fmt.Errorf("conversation: %w", err))
		return
	}
	if fragments == 0 {
		yield("", ErrEmptyReply)
		return
	}
	a.logger.Info("reply streamed", "fragments", fragments, "elapsed", p.total())
}

// buildConversation assembles the system prompt, the role-tagged
// history and the learner's message.
func buildConversation(in ConversationInput) ([]llm.Message, error) {
	profileJSON, err := json.Marshal(in.Profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	topic := chat.NoTopic
	if in.Topic != nil {
		b, err := json.Marshal(in.Topic)
		if err != nil {
			return nil, fmt.Errorf("encode topic: %w", err)
		}
		topic = string(b)
	}
	contextJSON, err := json.Marshal(in.Context.Normalize())
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	msgs := make([]llm.Message, 0, len(in.History)+2)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: prompts.ConversationSystemPrompt(string(profileJSON), topic, string(contextJSON)),
	})
	for _, m := range in.History {
		switch m.Sender {
		case chat.SenderUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: m.Text})
		case chat.SenderAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.Text})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.Message})
	return msgs, nil
}

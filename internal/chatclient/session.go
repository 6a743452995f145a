package chatclient

import (
	"context"
	"strings"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/orchestrator"
)

// Session is one conversation thread held on the client side. The
// server keeps no per-thread state, so the session resends its history
// and topic with every turn.
type Session struct {
	client  *Client
	history []chat.Message
	topic   *chat.TopicContext
	now     func() time.Time
}

// NewSession starts an empty thread.
func NewSession(c *Client) *Session {
	return &Session{client: c, now: time.Now}
}

// History returns a copy of the thread so far.
func (s *Session) History() []chat.Message {
	return append([]chat.Message(nil), s.history...)
}

// Topic returns the thread's topic once the server has created one.
func (s *Session) Topic() *chat.TopicContext { return s.topic }

// Send runs one turn, forwarding events to onEvent, and records the
// exchange in the history only when the turn completes.
func (s *Session) Send(ctx context.Context, message string, onEvent func(orchestrator.Event) error) (string, error) {
	var (
		reply      strings.Builder
		system     *chat.Message
		correction *chat.Correction
	)
	req := orchestrator.Request{History: s.History(), Message: message, Topic: s.topic}
	err := s.client.Turn(ctx, req, func(ev orchestrator.Event) error {
		switch ev.Type {
		case orchestrator.EventSystemArticle:
			system = ev.SystemArticle
		case orchestrator.EventCorrection:
			correction = ev.Correction
		case orchestrator.EventChunk:
			reply.WriteString(ev.Chunk)
		}
		if onEvent != nil {
			return onEvent(ev)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	now := s.now()
	if system != nil {
		s.history = append(s.history, *system)
		if tc, ok := chat.FindTopic([]chat.Message{*system}); ok {
			s.topic = tc
		}
	}
	user := chat.NewMessage(chat.SenderUser, message, now)
	user.Correction = correction
	s.history = append(s.history, user, chat.NewMessage(chat.SenderAssistant, reply.String(), now))
	return reply.String(), nil
}

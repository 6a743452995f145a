package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sender identifies who authored a [Message].
type Sender string

// Known senders.
const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAssistant, SenderSystem:
		return true
	}
	return false
}

// Message is one entry in a conversation history. History slices are
// chronological and are never mutated once handed to an agent.
type Message struct {
	Sender     Sender        `json:"sender"`
	Text       string        `json:"text"`
	Timestamp  string        `json:"timestamp"`
	Correction *Correction   `json:"correction,omitempty"`
	Topic      *TopicContext `json:"topic,omitempty"`
}

// NewMessage returns a message stamped with now in RFC 3339 form.
func NewMessage(sender Sender, text string, now time.Time) Message {
	return Message{
		Sender:    sender,
		Text:      text,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

// Validate checks the fields a client is allowed to send.
func (m Message) Validate() error {
	if !m.Sender.Valid() {
		return fmt.Errorf("unknown sender %q", m.Sender)
	}
	if m.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, m.Timestamp); err != nil {
			return fmt.Errorf("timestamp %q: %w", m.Timestamp, err)
		}
	}
	return nil
}

// VocabularyItem is one word worth learning from an article.
type VocabularyItem struct {
	Word       string `json:"word"`
	Definition string `json:"definition"`
	Example    string `json:"example,omitempty"`
}

// TopicContext is the analysed form of a news article: a summary, key
// vocabulary and discussion questions.
type TopicContext struct {
	Summary    string           `json:"summary"`
	Vocabulary []VocabularyItem `json:"vocabulary"`
	Questions  []string         `json:"questions"`
}

// TopicSentinel prefixes the JSON-encoded [TopicContext] inside a system
// message's text.
const TopicSentinel = "SYSTEM_ARTICLE:"

// NoTopic is what the conversation agent sees when no topic context is
// available for the turn.
const NoTopic = "No news article is available for this conversation."

// EncodeTopic renders t as sentinel-prefixed text.
func EncodeTopic(t TopicContext) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode topic: %w", err)
	}
	return TopicSentinel + string(data), nil
}

// DecodeTopic parses sentinel-prefixed text. ok is false when text does
// not carry the sentinel or the payload is not a topic object.
func DecodeTopic(text string) (TopicContext, bool) {
	payload, found := strings.CutPrefix(strings.TrimSpace(text), TopicSentinel)
	if !found {
		return TopicContext{}, false
	}
	var t TopicContext
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return TopicContext{}, false
	}
	return t, true
}

// NewTopicMessage builds the system message that carries t through
// client-held history.
func NewTopicMessage(t TopicContext, now time.Time) (Message, error) {
	text, err := EncodeTopic(t)
	if err != nil {
		return Message{}, err
	}
	m := NewMessage(SenderSystem, text, now)
	topic := t
	m.Topic = &topic
	return m, nil
}

// FindTopic returns the most recent topic context carried by a system
// message in history. An explicit Topic field wins over the text form
// within the same message. The result is trusted as-is; a prefixed text
// that does not decode is not a marker and the search continues.
func FindTopic(history []Message) (*TopicContext, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Sender != SenderSystem {
			continue
		}
		if m.Topic != nil {
			t := *m.Topic
			return &t, true
		}
		if t, ok := DecodeTopic(m.Text); ok {
			return &t, true
		}
	}
	return nil, false
}

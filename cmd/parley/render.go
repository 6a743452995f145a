package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/orchestrator"
)

var (
	topicStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1).
			Width(72)

	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	wordStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	correctedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	originalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Strikethrough(true)

	noteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)
)

// eventPrinter writes a turn's events to a terminal as they arrive, or
// as raw NDJSON when json is set.
type eventPrinter struct {
	w       io.Writer
	json    bool
	enc     *orchestrator.Encoder
	inReply bool
}

func newEventPrinter(w io.Writer, outputFmt string) *eventPrinter {
	return &eventPrinter{w: w, json: outputFmt == "json", enc: orchestrator.NewEncoder(w)}
}

// Print renders one event.
func (p *eventPrinter) Print(ev orchestrator.Event) error {
	if p.json {
		return p.enc.Encode(ev)
	}
	switch ev.Type {
	case orchestrator.EventSystemArticle:
		if ev.SystemArticle != nil {
			if tc, ok := chat.FindTopic([]chat.Message{*ev.SystemArticle}); ok {
				fmt.Fprintln(p.w, renderTopic(*tc))
			}
		}
	case orchestrator.EventCorrection:
		if ev.Correction != nil {
			fmt.Fprintln(p.w, renderCorrection(*ev.Correction))
		}
	case orchestrator.EventChunk:
		if !p.inReply {
			fmt.Fprint(p.w, promptStyle.Render("tutor")+" ")
			p.inReply = true
		}
		fmt.Fprint(p.w, ev.Chunk)
	case orchestrator.EventEnd:
		if p.inReply {
			fmt.Fprintln(p.w)
		}
		p.inReply = false
	case orchestrator.EventError:
		if p.inReply {
			fmt.Fprintln(p.w)
		}
		p.inReply = false
		msg := "the reply failed"
		if ev.Error != nil {
			msg = ev.Error.Kind + ": " + ev.Error.Message
		}
		fmt.Fprintln(p.w, errorStyle.Render("error")+" "+msg)
	}
	return nil
}

func renderTopic(tc chat.TopicContext) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Today's topic"))
	b.WriteString("\n")
	b.WriteString(tc.Summary)
	if len(tc.Vocabulary) > 0 {
		b.WriteString("\n\n")
		b.WriteString(headingStyle.Render("Vocabulary"))
		for _, v := range tc.Vocabulary {
			b.WriteString("\n")
			b.WriteString(wordStyle.Render(v.Word))
			b.WriteString(" - " + v.Definition)
			if v.Example != "" {
				b.WriteString(" " + noteStyle.Render(v.Example))
			}
		}
	}
	if len(tc.Questions) > 0 {
		b.WriteString("\n\n")
		b.WriteString(headingStyle.Render("Questions"))
		for _, q := range tc.Questions {
			b.WriteString("\n• " + q)
		}
	}
	return topicStyle.Render(b.String())
}

func renderCorrection(c chat.Correction) string {
	if !c.HasSuggestion {
		if c.Feedback == "" {
			return ""
		}
		return noteStyle.Render("✓ " + c.Feedback)
	}
	var b strings.Builder
	b.WriteString(originalStyle.Render(c.Original))
	b.WriteString(" → ")
	b.WriteString(correctedStyle.Render(c.Corrected))
	if c.Type != "" {
		b.WriteString(" " + noteStyle.Render("("+string(c.Type)+")"))
	}
	if c.Explanation != "" {
		b.WriteString("\n  " + c.Explanation)
	}
	for _, alt := range c.Alternatives {
		b.WriteString("\n  " + noteStyle.Render("also: "+alt))
	}
	return b.String()
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

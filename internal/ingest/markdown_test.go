package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const phrasalVerbs = `Study notes collected from class.

# Phrasal Verbs

Verbs combined with a particle that change meaning.

## Separable

The object can sit between verb and particle: *turn the light off*.

### Examples

- pick it up
- put the meeting off

## Inseparable

The object must follow the particle: *look after the kids*.

#### Note

Deeper headings stay inside their section.

# Idioms

Fixed expressions like *break the ice*.
`

func TestParseMarkdown(t *testing.T) {
	sections := parseMarkdown([]byte(phrasalVerbs), "Class Notes")

	expected := []struct {
		key     string
		topic   string
		hasText string
	}{
		{"class-notes", "Class Notes", "collected from class"},
		{"phrasal-verbs", "Phrasal Verbs", "particle that change"},
		{"phrasal-verbs/separable", "Phrasal Verbs / Separable", "turn the light off"},
		{"phrasal-verbs/separable/examples", "Phrasal Verbs / Separable / Examples", "- put the meeting off"},
		{"phrasal-verbs/inseparable", "Phrasal Verbs / Inseparable", "Deeper headings stay"},
		{"idioms", "Idioms", "break the ice"},
	}
	if len(sections) != len(expected) {
		for _, s := range sections {
			t.Logf("section %q", s.Key)
		}
		t.Fatalf("got %d sections, want %d", len(sections), len(expected))
	}
	for i, exp := range expected {
		s := sections[i]
		if s.Key != exp.key || s.Topic != exp.topic {
			t.Errorf("section %d = %q / %q, want %q / %q", i, s.Key, s.Topic, exp.key, exp.topic)
		}
		if !strings.Contains(s.Content, exp.hasText) {
			t.Errorf("section %d content %q missing %q", i, s.Content, exp.hasText)
		}
	}
}

func TestParseMarkdown_CodeBlocks(t *testing.T) {
	content := "## Irregular Verbs\n\nCommon forms:\n\n```\ngo    went   gone\nsee   saw    seen\n```\n\nMemorize them in groups.\n"

	sections := parseMarkdown([]byte(content), "x")
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	for _, want := range []string{"went   gone", "Memorize them"} {
		if !strings.Contains(sections[0].Content, want) {
			t.Errorf("content %q missing %q", sections[0].Content, want)
		}
	}
}

func TestParseMarkdown_HeadingWithoutBody(t *testing.T) {
	sections := parseMarkdown([]byte("# Empty\n\n# Full\n\nText.\n"), "x")
	if len(sections) != 1 || sections[0].Key != "full" {
		t.Errorf("sections = %+v, want only the section with content", sections)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Simple Title", "simple-title"},
		{"Phrasal Verbs: Part 1", "phrasal-verbs-part-1"},
		{"  Spaces  ", "spaces"},
		{"Don't / Doesn't", "don-t-doesn-t"},
	}
	for _, tc := range tests {
		if got := slugify(tc.input); got != tc.expected {
			t.Errorf("slugify(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

func TestTitleFromPath(t *testing.T) {
	if got := titleFromPath("/notes/phrasal_verbs-b2.md"); got != "Phrasal verbs b2" {
		t.Errorf("titleFromPath() = %q", got)
	}
}

type indexed struct {
	topic, level, text string
	tags               []string
}

type fakeIndexer struct {
	added   []indexed
	deleted []string
	failOn  string
}

func (f *fakeIndexer) IndexLearningMaterial(_ context.Context, topic, level string, tags []string, text string) (string, error) {
	if f.failOn != "" && topic == f.failOn {
		return "", errors.New("disk full")
	}
	f.added = append(f.added, indexed{topic, level, text, tags})
	return "id", nil
}

func (f *fakeIndexer) DeleteLearningMaterials(_ context.Context, root string) (int, error) {
	f.deleted = append(f.deleted, root)
	return 0, nil
}

func TestIngestString(t *testing.T) {
	idx := &fakeIndexer{failOn: "Idioms"}
	ing := NewMarkdownIngester(idx, nil)

	n, err := ing.IngestString(context.Background(), phrasalVerbs, Options{Title: "Class Notes", Level: "intermediate", Tags: []string{"grammar"}})
	if err != nil {
		t.Fatalf("IngestString() error = %v", err)
	}
	if n != 5 {
		t.Errorf("indexed = %d, want 5 (one section fails)", n)
	}
	if got := strings.Join(idx.deleted, ","); got != "Class Notes,Phrasal Verbs,Idioms" {
		t.Errorf("deleted roots = %q", got)
	}
	for _, a := range idx.added {
		if a.level != "intermediate" || len(a.tags) != 1 {
			t.Errorf("section %q: level %q tags %v", a.topic, a.level, a.tags)
		}
	}
}

func TestIngestFile_Missing(t *testing.T) {
	ing := NewMarkdownIngester(&fakeIndexer{}, nil)
	if _, err := ing.IngestFile(context.Background(), t.TempDir()+"/nope.md", Options{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// Package ingest imports markdown study notes into the learning
// materials collection.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nugget/parley/internal/retrieval"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// maxSectionDepth is the deepest heading level that starts a new
// section; deeper headings stay in their parent's body.
const maxSectionDepth = 3

// Indexer is the subset of [retrieval.Store] the ingester writes to.
type Indexer interface {
	IndexLearningMaterial(ctx context.Context, topic, level string, tags []string, text string) (string, error)
	DeleteLearningMaterials(ctx context.Context, root string) (int, error)
}

// Options describe the material being imported.
type Options struct {
	// Title names content that appears before the first heading. It
	// defaults to the file name.
	Title string
	Level string
	Tags  []string
}

// MarkdownIngester splits markdown documents into heading sections and
// indexes each one as a learning material.
type MarkdownIngester struct {
	index  Indexer
	logger *slog.Logger
}

// NewMarkdownIngester creates a markdown document ingester.
func NewMarkdownIngester(index Indexer, logger *slog.Logger) *MarkdownIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &MarkdownIngester{index: index, logger: logger}
}

// Section is one heading-delimited unit of a document.
type Section struct {
	Key     string // slug path, e.g. "phrasal-verbs/separable"
	Topic   string // heading path joined by [retrieval.TopicSeparator]
	Content string
}

// IngestFile reads and indexes a markdown file.
func (m *MarkdownIngester) IngestFile(ctx context.Context, path string, opts Options) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	if opts.Title == "" {
		opts.Title = titleFromPath(path)
	}
	return m.ingest(ctx, data, opts)
}

// IngestString indexes markdown content held in memory.
func (m *MarkdownIngester) IngestString(ctx context.Context, content string, opts Options) (int, error) {
	return m.ingest(ctx, []byte(content), opts)
}

func (m *MarkdownIngester) ingest(ctx context.Context, src []byte, opts Options) (int, error) {
	if opts.Title == "" {
		opts.Title = "Notes"
	}
	sections := parseMarkdown(src, opts.Title)

	// Replace anything previously imported under the same roots.
	roots := make(map[string]bool)
	for _, s := range sections {
		root, _, _ := strings.Cut(s.Topic, retrieval.TopicSeparator)
		if roots[root] {
			continue
		}
		roots[root] = true
		n, err := m.index.DeleteLearningMaterials(ctx, root)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			m.logger.Info("replaced previous import", "topic", root, "removed", n)
		}
	}

	count := 0
	for _, s := range sections {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		if _, err := m.index.IndexLearningMaterial(ctx, s.Topic, opts.Level, opts.Tags, s.Content); err != nil {
			m.logger.Warn("section not indexed", "key", s.Key, "error", err)
			continue
		}
		count++
	}
	m.logger.Info("markdown ingested", "sections", len(sections), "indexed", count)
	return count, nil
}

type heading struct {
	level int
	title string
}

// parseMarkdown splits src at H1-H3 headings. Content before the first
// heading is filed under fallback.
func parseMarkdown(src []byte, fallback string) []Section {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		sections []Section
		path     []heading
		body     strings.Builder
	)
	flush := func() {
		content := strings.TrimSpace(body.String())
		body.Reset()
		if content == "" {
			return
		}
		titles := []string{fallback}
		if len(path) > 0 {
			titles = titles[:0]
			for _, h := range path {
				titles = append(titles, h.title)
			}
		}
		slugs := make([]string, len(titles))
		for i, t := range titles {
			slugs[i] = slugify(t)
		}
		sections = append(sections, Section{
			Key:     strings.Join(slugs, "/"),
			Topic:   strings.Join(titles, retrieval.TopicSeparator),
			Content: content,
		})
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok && h.Level <= maxSectionDepth {
			flush()
			for len(path) > 0 && path[len(path)-1].level >= h.Level {
				path = path[:len(path)-1]
			}
			path = append(path, heading{level: h.Level, title: strings.TrimSpace(string(h.Text(src)))})
			continue
		}
		writeBlock(&body, n, src)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// writeBlock appends the source text of n's leaf blocks.
func writeBlock(b *strings.Builder, n ast.Node, src []byte) {
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || c.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		switch c.Kind() {
		case ast.KindListItem:
			b.WriteString("- ")
			return ast.WalkContinue, nil
		case ast.KindHeading:
			b.Write(c.Text(src))
			b.WriteString("\n")
			return ast.WalkSkipChildren, nil
		}
		lines := c.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		if s := b.String(); !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
		return ast.WalkSkipChildren, nil
	})
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

func titleFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	if base == "" {
		return "Notes"
	}
	return strings.ToUpper(base[:1]) + base[1:]
}

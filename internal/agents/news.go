package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/fetch"
	"github.com/nugget/parley/internal/search"
)

// NoArticle is returned when a search finds nothing.
var NoArticle = chat.Article{
	Title:    "No Article Found",
	Source:   "N/A",
	URL:      "",
	FullText: "Sorry, I couldn't find a suitable news article about your interests. Let's try another topic.",
}

// Searcher finds web results. [*search.Manager] implements it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// PageFetcher downloads an article page. [*fetch.Fetcher] implements it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Page, error)
}

// NewsConfig tunes the news agent.
type NewsConfig struct {
	MaxResults int
	Language   string

	// FetchFullText downloads the article page when the search result
	// carries less than MinSnippetChars of text.
	FetchFullText   bool
	MinSnippetChars int
	MaxArticleChars int
}

// NewsAgent finds a current news article related to what the learner
// said.
type NewsAgent struct {
	search  Searcher
	fetcher PageFetcher
	cfg     NewsConfig
	logger  *slog.Logger
}

// NewNewsAgent creates a news agent. fetcher may be nil.
func NewNewsAgent(s Searcher, fetcher PageFetcher, cfg NewsConfig, logger *slog.Logger) *NewsAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	return &NewsAgent{
		search:  s,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With("agent", "news"),
	}
}

// Run searches the news for query and returns the best article. A search
// with no results yields [NoArticle]; a failed search is an error.
func (a *NewsAgent) Run(ctx context.Context, query string) (chat.Article, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return chat.Article{}, errors.New("news: empty query")
	}
	if a.search == nil {
		return chat.Article{}, errors.New("news: no search provider configured")
	}

	p := startPhases(a.logger)
	opts := search.Options{Count: a.cfg.MaxResults, Language: a.cfg.Language, News: true}
	p.mark("prepare")

	results, err := a.search.Search(ctx, query, opts)
	if err != nil {
		return chat.Article{}, fmt.Errorf("news search: %w", err)
	}
	p.mark("call")

	if len(results) == 0 {
		a.logger.Info("no news found", "query", query)
		return NoArticle, nil
	}

	r := results[0]
	article := chat.Article{
		Title:         r.Title,
		Source:        r.Source,
		URL:           r.URL,
		FullText:      r.Content,
		PublishedDate: r.PublishedDate,
	}
	if article.FullText == "" {
		article.FullText = r.Snippet
	}

	if a.shouldFetch(article) {
		if page, err := a.fetcher.Fetch(ctx, article.URL, a.cfg.MaxArticleChars); err != nil {
			a.logger.Debug("article fetch failed, using snippet", "url", article.URL, "error", err)
		} else if utf8.RuneCountInString(page.Content) > utf8.RuneCountInString(article.FullText) {
			article.FullText = page.Content
			if article.PublishedDate == "" {
				article.PublishedDate = page.Published
			}
			if article.Source == "" {
				article.Source = page.SiteName
			}
		}
	}
	p.mark("process")

	a.logger.Info("article found",
		"title", article.Title,
		"source", article.Source,
		"chars", utf8.RuneCountInString(article.FullText),
		"elapsed", p.total(),
	)
	return article, nil
}

func (a *NewsAgent) shouldFetch(article chat.Article) bool {
	return a.cfg.FetchFullText &&
		a.fetcher != nil &&
		article.URL != "" &&
		utf8.RuneCountInString(article.FullText) < a.cfg.MinSnippetChars
}

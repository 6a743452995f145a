// Package search provides a pluggable web search interface for the news
// agent.
//
// Each search provider implements the [Provider] interface and is
// registered by name. The [Manager] selects a provider based on
// configuration, caches recent answers and exposes a single
// [Manager.Search] method.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Result is a single search result.
type Result struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet,omitempty"`
	Content       string `json:"content,omitempty"` // full page text when the provider returns it
	Source        string `json:"source,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
}

// Options are optional parameters for a search query.
type Options struct {
	// Count is the maximum number of results to return.
	// Providers may return fewer. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 language code (e.g., "en", "de").
	Language string `json:"language,omitempty"`

	// News restricts the search to news sources where the provider
	// supports it.
	News bool `json:"news,omitempty"`
}

func (o Options) key() string {
	return strconv.Itoa(o.Count) + "|" + o.Language + "|" + strconv.FormatBool(o.News)
}

// Provider is the interface that search backends implement.
type Provider interface {
	// Name returns the provider identifier (e.g., "tavily", "brave").
	Name() string

	// Search executes a query and returns results.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds configured providers and routes searches.
type Manager struct {
	providers map[string]Provider
	primary   string
	cache     *expirable.LRU[string, []Result]
	logger    *slog.Logger
}

// NewManager creates a search manager. The primary provider name
// determines which backend is used by default.
func NewManager(primary string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger.With("component", "search"),
	}
}

// EnableCache keeps up to size successful result sets for ttl. Repeated
// topics within a session then skip the network.
func (m *Manager) EnableCache(size int, ttl time.Duration) {
	if size <= 0 {
		m.cache = nil
		return
	}
	m.cache = expirable.NewLRU[string, []Result](size, nil, ttl)
}

// Register adds a provider to the manager.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a specific named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}

	key := provider + "|" + opts.key() + "|" + strings.ToLower(strings.TrimSpace(query))
	if m.cache != nil {
		if cached, ok := m.cache.Get(key); ok {
			m.logger.Debug("search cache hit", "provider", provider, "query", query)
			return slices.Clone(cached), nil
		}
	}

	start := time.Now()
	results, err := p.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("search complete",
		"provider", provider,
		"query", query,
		"results", len(results),
		"elapsed", time.Since(start),
	)

	if m.cache != nil {
		m.cache.Add(key, slices.Clone(results))
	}
	return results, nil
}

// Providers returns the names of all registered providers, sorted.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Configured reports whether the primary provider is registered.
func (m *Manager) Configured() bool {
	_, ok := m.providers[m.primary]
	return ok
}

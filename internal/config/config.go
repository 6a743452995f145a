// Package config handles Parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Provider names accepted by agent and embedding configuration.
const (
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Config holds all Parley configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Ollama     OllamaConfig     `yaml:"ollama"`
	Agents     AgentsConfig     `yaml:"agents"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Profile    ProfileConfig    `yaml:"profile"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// CORSOrigins lists origins allowed to call the API from a browser.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
	// PublicURL is the address the practice UI is reachable at. When
	// ShowQR is set, serve prints it as a terminal QR code so a phone
	// can join the session.
	PublicURL string `yaml:"public_url"`
	ShowQR    bool   `yaml:"show_qr"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Override for proxies and tests
}

// Configured reports whether a Gemini API key is set.
func (c GeminiConfig) Configured() bool {
	return c.APIKey != ""
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an Anthropic API key is set.
func (c AnthropicConfig) Configured() bool {
	return c.APIKey != ""
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentsConfig holds per-agent model parameters. Each agent gets its own
// immutable copy at construction time.
type AgentsConfig struct {
	News         NewsConfig  `yaml:"news"`
	Analysis     AgentConfig `yaml:"analysis"`
	Correction   AgentConfig `yaml:"correction"`
	Conversation AgentConfig `yaml:"conversation"`
}

// AgentConfig defines the model and sampling parameters for one agent.
type AgentConfig struct {
	Provider    string   `yaml:"provider"` // gemini, ollama, anthropic
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
	TopK        int      `yaml:"top_k"`
	MaxTokens   int      `yaml:"max_tokens"`
	// Stream requests incremental output. Only the conversation agent
	// honors it; the structured-output agents always wait for the full
	// response.
	Stream     *bool `yaml:"stream"`
	TimeoutSec int   `yaml:"timeout_sec"`
}

// Streaming reports whether incremental output is enabled.
func (c AgentConfig) Streaming() bool {
	return c.Stream != nil && *c.Stream
}

// NewsConfig defines how the news agent finds articles.
type NewsConfig struct {
	MaxResults int    `yaml:"max_results"`
	Language   string `yaml:"language"`
	// FetchFullText downloads and extracts the article body when the
	// search snippet is shorter than MinSnippetChars.
	FetchFullText   bool `yaml:"fetch_full_text"`
	MinSnippetChars int  `yaml:"min_snippet_chars"`
	MaxArticleChars int  `yaml:"max_article_chars"`
}

// SearchConfig selects and configures the web search backend.
type SearchConfig struct {
	Provider    string        `yaml:"provider"` // tavily, brave, searxng
	CacheSize   int           `yaml:"cache_size"`
	CacheTTLSec int           `yaml:"cache_ttl_sec"`
	Tavily      TavilyConfig  `yaml:"tavily"`
	Brave       BraveConfig   `yaml:"brave"`
	SearXNG     SearXNGConfig `yaml:"searxng"`
}

// TavilyConfig holds configuration for the Tavily search provider.
type TavilyConfig struct {
	APIKey      string `yaml:"api_key"`
	SearchDepth string `yaml:"search_depth"` // basic or advanced
	Topic       string `yaml:"topic"`        // general or news
}

// Configured reports whether a Tavily API key is set.
func (c TavilyConfig) Configured() bool {
	return c.APIKey != ""
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool {
	return c.APIKey != ""
}

// SearXNGConfig holds configuration for a SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a SearXNG URL is set.
func (c SearXNGConfig) Configured() bool {
	return c.URL != ""
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Provider  string `yaml:"provider"`   // gemini or ollama
	Model     string `yaml:"model"`      // e.g. gemini-embedding-001, nomic-embed-text
	BaseURL   string `yaml:"baseurl"`    // Ollama URL (defaults to ollama.url)
	CacheSize int    `yaml:"cache_size"` // in-memory LRU of recent query vectors
}

// RetrievalConfig controls the long-term memory index.
type RetrievalConfig struct {
	Limits   RetrievalLimits `yaml:"limits"`
	MinScore float64         `yaml:"min_score"`
}

// RetrievalLimits caps how many entries each collection contributes to
// a turn's context.
type RetrievalLimits struct {
	Conversations      int `yaml:"conversations"`
	LearningMaterials  int `yaml:"learning_materials"`
	NewsArticles       int `yaml:"news_articles"`
	CorrectionFeedback int `yaml:"correction_feedback"`
}

// ProfileConfig identifies the learner whose profile drives each turn.
type ProfileConfig struct {
	ID string `yaml:"id"`
	// MaxRecentCorrections bounds the correction history kept on the
	// profile.
	MaxRecentCorrections int `yaml:"max_recent_corrections"`
}

// MQTTConfig defines the optional MQTT telemetry publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Default agent parameters. The structured-output agents run cold and
// narrow; the conversation agent runs warmer and streams.
const (
	DefaultModel                   = "gemini-2.0-flash-lite"
	DefaultTemperature             = 0.2
	DefaultTopK                    = 32
	DefaultTopP                    = 0.25
	DefaultConversationTemperature = 0.7
)

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}

	applyAgentDefaults(&c.Agents.Analysis, DefaultTemperature, false)
	applyAgentDefaults(&c.Agents.Correction, DefaultTemperature, false)
	applyAgentDefaults(&c.Agents.Conversation, DefaultConversationTemperature, true)

	if c.Agents.News.MaxResults == 0 {
		c.Agents.News.MaxResults = 5
	}
	if c.Agents.News.Language == "" {
		c.Agents.News.Language = "en"
	}
	if c.Agents.News.MinSnippetChars == 0 {
		c.Agents.News.MinSnippetChars = 400
	}
	if c.Agents.News.MaxArticleChars == 0 {
		c.Agents.News.MaxArticleChars = 12000
	}

	if c.Search.Provider == "" {
		switch {
		case c.Search.Tavily.Configured():
			c.Search.Provider = "tavily"
		case c.Search.Brave.Configured():
			c.Search.Provider = "brave"
		case c.Search.SearXNG.Configured():
			c.Search.Provider = "searxng"
		}
	}
	if c.Search.CacheSize == 0 {
		c.Search.CacheSize = 128
	}
	if c.Search.CacheTTLSec == 0 {
		c.Search.CacheTTLSec = 900
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = ProviderGemini
	}
	if c.Embeddings.Model == "" {
		if c.Embeddings.Provider == ProviderOllama {
			c.Embeddings.Model = "nomic-embed-text"
		} else {
			c.Embeddings.Model = "gemini-embedding-001"
		}
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Ollama.URL
	}
	if c.Embeddings.CacheSize == 0 {
		c.Embeddings.CacheSize = 256
	}

	l := &c.Retrieval.Limits
	if l.Conversations == 0 {
		l.Conversations = 3
	}
	if l.LearningMaterials == 0 {
		l.LearningMaterials = 2
	}
	if l.NewsArticles == 0 {
		l.NewsArticles = 1
	}
	if l.CorrectionFeedback == 0 {
		l.CorrectionFeedback = 2
	}

	if c.Profile.ID == "" {
		c.Profile.ID = "default"
	}
	if c.Profile.MaxRecentCorrections == 0 {
		c.Profile.MaxRecentCorrections = 20
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "parley"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func applyAgentDefaults(a *AgentConfig, temperature float64, stream bool) {
	if a.Provider == "" {
		a.Provider = ProviderGemini
	}
	if a.Model == "" {
		a.Model = DefaultModel
	}
	if a.Temperature == nil {
		a.Temperature = &temperature
	}
	if a.TopP == nil {
		topP := DefaultTopP
		a.TopP = &topP
	}
	if a.TopK == 0 {
		a.TopK = DefaultTopK
	}
	if a.Stream == nil {
		a.Stream = &stream
	}
	if a.TimeoutSec == 0 {
		a.TimeoutSec = 60
	}
}

// Validate checks the configuration for values that would fail at
// runtime. It returns all problems joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	for name, a := range map[string]AgentConfig{
		"analysis":     c.Agents.Analysis,
		"correction":   c.Agents.Correction,
		"conversation": c.Agents.Conversation,
	} {
		if err := a.validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents.%s: %w", name, err))
		}
	}

	switch c.Search.Provider {
	case "", "tavily", "brave", "searxng":
	default:
		errs = append(errs, fmt.Errorf("search.provider %q (valid: tavily, brave, searxng)", c.Search.Provider))
	}

	switch c.Embeddings.Provider {
	case ProviderGemini, ProviderOllama:
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider %q (valid: gemini, ollama)", c.Embeddings.Provider))
	}

	return errors.Join(errs...)
}

func (a AgentConfig) validate() error {
	switch a.Provider {
	case ProviderGemini, ProviderOllama, ProviderAnthropic:
	default:
		return fmt.Errorf("provider %q (valid: gemini, ollama, anthropic)", a.Provider)
	}
	if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *a.Temperature)
	}
	if a.TopP != nil && (*a.TopP < 0 || *a.TopP > 1) {
		return fmt.Errorf("top_p %v out of range [0, 1]", *a.TopP)
	}
	if a.TopK < 0 {
		return fmt.Errorf("top_k %d must not be negative", a.TopK)
	}
	return nil
}

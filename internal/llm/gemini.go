package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nugget/parley/internal/httpkit"
)

// GeminiClient talks to the Google Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini client. A non-empty baseURL overrides
// the public endpoint, which is how tests and proxies point the SDK
// elsewhere.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		// Streamed replies can be long-lived; rely on ctx for deadlines.
		HTTPClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{
		client: client,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a non-streaming generateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	contents, cfg := toGenAI(messages, opts)
	start := time.Now()

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(contents),
		"json", opts.JSON,
	)

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}

	result := &ChatResponse{
		Model:         model,
		CreatedAt:     start,
		Message:       Message{Role: RoleAssistant, Content: resp.Text()},
		Done:          true,
		TotalDuration: time.Since(start),
	}
	applyGenAIMetadata(result, resp)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"elapsed", result.TotalDuration,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// ChatStream sends a streamGenerateContent request and forwards every
// non-empty text fragment to callback.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, opts Options, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, opts)
	}

	contents, cfg := toGenAI(messages, opts)
	start := time.Now()

	result := &ChatResponse{
		Model:     model,
		CreatedAt: start,
		Message:   Message{Role: RoleAssistant},
	}

	var content strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
		if err != nil {
			return nil, fmt.Errorf("gemini: stream: %w", err)
		}
		applyGenAIMetadata(result, resp)

		text := resp.Text()
		if text == "" {
			continue
		}
		content.WriteString(text)
		callback(StreamEvent{Kind: KindToken, Token: text})
	}

	result.Message.Content = content.String()
	result.Done = true
	result.TotalDuration = time.Since(start)
	callback(StreamEvent{Kind: KindDone, Response: result})

	c.logger.Debug("stream complete",
		"model", result.Model,
		"output_tokens", result.OutputTokens,
		"content_len", content.Len(),
		"elapsed", result.TotalDuration,
	)
	return result, nil
}

// Ping fetches model metadata to confirm the key and endpoint work.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.Get(ctx, "gemini-2.0-flash-lite", nil); err != nil {
		return fmt.Errorf("gemini: ping: %w", err)
	}
	return nil
}

// toGenAI converts messages to genai contents. System messages are
// folded into the config's SystemInstruction; assistant turns become
// the "model" role.
func toGenAI(messages []Message, opts Options) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	if opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
	}
	if opts.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*opts.TopP))
	}
	if opts.TopK > 0 {
		cfg.TopK = genai.Ptr(float32(opts.TopK))
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, cfg
}

func applyGenAIMetadata(r *ChatResponse, resp *genai.GenerateContentResponse) {
	if resp == nil {
		return
	}
	if resp.ModelVersion != "" {
		r.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		r.InputTokens = int(u.PromptTokenCount)
		if u.CandidatesTokenCount > 0 {
			r.OutputTokens = int(u.CandidatesTokenCount)
		}
	}
}

// isGenAIStatus reports whether err is a genai API error with the given
// HTTP status.
func isGenAIStatus(err error, code int) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// IsRateLimited reports whether err came from a provider throttling
// the request.
func IsRateLimited(err error) bool {
	var se *httpkit.StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests
	}
	return isGenAIStatus(err, http.StatusTooManyRequests)
}

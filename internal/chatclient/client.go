// Package chatclient talks to a running Parley server: it streams turns
// from /api/chat and keeps the conversation history a thread needs.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/httpkit"
	"github.com/nugget/parley/internal/orchestrator"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Type    string
	Message string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("parley: HTTP %d %s: %s", e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("parley: HTTP %d: %s", e.Status, e.Message)
}

// StreamError is a turn that failed after output began; the server
// reported it with an error event.
type StreamError struct {
	Kind    string
	Message string
}

func (e *StreamError) Error() string {
	return "parley: stream " + e.Kind + ": " + e.Message
}

// ErrTruncated means the stream ended without an end or error event.
var ErrTruncated = errors.New("parley: stream ended before end event")

// Client calls a Parley server.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the server at baseURL.
func New(baseURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: u.String(),
		// Replies stream for as long as the model takes.
		http: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "chatclient"),
	}, nil
}

// Turn sends req and calls onEvent for each event as it arrives. It
// returns nil after the end event, a *StreamError after an error event
// and an *APIError when the server refused the turn outright.
func (c *Client) Turn(ctx context.Context, req orchestrator.Request, onEvent func(orchestrator.Event) error) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", orchestrator.ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	dec := orchestrator.NewDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return ErrTruncated
		}
		if err != nil {
			return err
		}
		if err := onEvent(ev); err != nil {
			return err
		}
		switch ev.Type {
		case orchestrator.EventEnd:
			return nil
		case orchestrator.EventError:
			if ev.Error == nil {
				return &StreamError{Kind: orchestrator.ErrorKindInternal}
			}
			return &StreamError{Kind: ev.Error.Kind, Message: ev.Error.Message}
		}
	}
}

// Profile fetches a learner profile. An empty id means the server's
// default learner.
func (c *Client) Profile(ctx context.Context, id string) (chat.UserProfile, error) {
	var p chat.UserProfile
	u := c.baseURL + "/api/profile"
	if id != "" {
		u += "?id=" + url.QueryEscape(id)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return p, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return p, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return p, readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return p, fmt.Errorf("decode profile: %w", err)
	}
	return p, nil
}

// SaveProfile creates or replaces a learner profile and returns the
// stored copy.
func (c *Client) SaveProfile(ctx context.Context, p chat.UserProfile) (chat.UserProfile, error) {
	var saved chat.UserProfile
	body, err := json.Marshal(p)
	if err != nil {
		return saved, fmt.Errorf("marshal profile: %w", err)
	}
	u := c.baseURL + "/api/profile"
	if p.ID != "" {
		u += "?id=" + url.QueryEscape(p.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return saved, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return saved, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return saved, readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&saved); err != nil {
		return saved, fmt.Errorf("decode profile: %w", err)
	}
	return saved, nil
}

// Health reports whether the server and its model providers are up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(httpkit.ReadErrorBody(resp.Body, 1024))}
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	raw := httpkit.ReadErrorBody(resp.Body, 8192)
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Error.Message == "" {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(raw)}
	}
	return &APIError{Status: resp.StatusCode, Type: env.Error.Type, Message: env.Error.Message}
}

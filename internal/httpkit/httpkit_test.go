package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func echoUserAgent(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, r.Header.Get("User-Agent"))
}

func TestNewClient_Timeouts(t *testing.T) {
	if got := NewClient().Timeout; got != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", got)
	}
	if got := NewClient(WithTimeout(5 * time.Second)).Timeout; got != 5*time.Second {
		t.Errorf("custom timeout = %v, want 5s", got)
	}
	if got := NewClient(WithTimeout(0)).Timeout; got != 0 {
		t.Errorf("streaming timeout = %v, want 0", got)
	}
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoUserAgent))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.HasPrefix(string(body), "Parley/") {
		t.Errorf("User-Agent = %q, want Parley/ prefix", body)
	}
}

func TestNewClient_CallerUserAgentWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoUserAgent))
	defer srv.Close()

	c := NewClient(WithUserAgent("ignored/1.0"))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "caller/2.0")

	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if string(body) != "caller/2.0" {
		t.Errorf("User-Agent = %q, want caller/2.0", body)
	}
	if req.Header.Get("User-Agent") != "caller/2.0" {
		t.Error("caller's request headers were mutated")
	}
}

func TestNewClient_WithTransport(t *testing.T) {
	tr := NewTransport()
	tr.MaxIdleConnsPerHost = 1
	c := NewClient(WithTransport(tr))

	ua, ok := c.Transport.(*userAgentTransport)
	if !ok {
		t.Fatalf("Transport = %T, want *userAgentTransport", c.Transport)
	}
	if ua.base != tr {
		t.Error("custom transport was not used")
	}
}

func TestNewClient_RetryWrapsTransport(t *testing.T) {
	c := NewClient(WithRetry(3, time.Millisecond))
	rt, ok := c.Transport.(*retryTransport)
	if !ok {
		t.Fatalf("Transport = %T, want *retryTransport", c.Transport)
	}
	if rt.count != 3 {
		t.Errorf("retry count = %d, want 3", rt.count)
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 10, ""},
		{"short", io.NopCloser(strings.NewReader("bad request")), 100, "bad request"},
		{"truncated", io.NopCloser(strings.NewReader("0123456789")), 4, "0123"},
		{"read failure", io.NopCloser(errReader{}), 10, "(failed to read error body: boom)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckResponse(t *testing.T) {
	ok := &http.Response{StatusCode: 204, Body: io.NopCloser(strings.NewReader(""))}
	if err := CheckResponse("tavily", ok); err != nil {
		t.Errorf("CheckResponse(204) = %v, want nil", err)
	}

	bad := &http.Response{StatusCode: 429, Body: io.NopCloser(strings.NewReader("slow down"))}
	err := CheckResponse("tavily", bad)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("CheckResponse(429) = %v, want *StatusError", err)
	}
	if se.Code != 429 || se.Body != "slow down" {
		t.Errorf("StatusError = %+v", se)
	}
	if !strings.Contains(err.Error(), "tavily: HTTP 429") {
		t.Errorf("Error() = %q", err)
	}
}

// flakyRoundTripper fails with EHOSTUNREACH for the first n calls.
type flakyRoundTripper struct {
	failures int
	calls    int
	bodies   []string
}

func (f *flakyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		f.bodies = append(f.bodies, string(b))
	}
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"success first try", 0, 2, false, 1},
		{"recovers after one failure", 1, 2, false, 2},
		{"exhausts retries", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &flakyRoundTripper{failures: tt.failures}
			rt := &retryTransport{base: ft, count: tt.count, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && resp.StatusCode != 200 {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_ContextCancelled(t *testing.T) {
	ft := &flakyRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected cancellation error")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

type permanentFailure struct{ calls int }

func (p *permanentFailure) RoundTrip(*http.Request) (*http.Response, error) {
	p.calls++
	return nil, errors.New("tls: bad certificate")
}

func TestRetryTransport_NonRetryableError(t *testing.T) {
	pf := &permanentFailure{}
	rt := &retryTransport{base: pf, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if pf.calls != 1 {
		t.Errorf("calls = %d, want 1", pf.calls)
	}
}

func TestRetryTransport_RewindsBody(t *testing.T) {
	ft := &flakyRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

	const payload = `{"query":"ai news"}`
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader(payload))

	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if len(ft.bodies) != 2 || ft.bodies[1] != payload {
		t.Errorf("bodies = %q, want payload replayed on retry", ft.bodies)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	ft := &flakyRoundTripper{failures: 1}
	rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest(http.MethodPost, "http://example.com", strings.NewReader("x"))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error without a rewindable body")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"generic", errors.New("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.ECONNREFUSED), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

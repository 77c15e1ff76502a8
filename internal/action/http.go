package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/conduitrun/conduit/internal/domain"
)

// HTTP implements ActionHTTP: a rendered HTTP request, fully resolved
// by the Worker before Invoke runs — no template evaluation happens
// here. Config carries connection-level settings (method, url, headers,
// timeout_seconds); Args carries the request body, if any.
//
// net/http is the stdlib's own client; nothing in the example corpus
// wires a third-party HTTP client for outbound calls (the pack's two
// HTTP-adjacent deps, gin and gin-contrib/cors, are server-side only),
// so this stays on net/http per DESIGN.md's stdlib-fallback rule.
type HTTP struct {
	Client *http.Client
}

func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTP) Invoke(ctx context.Context, ic InvocationContext, emit EmitProgress) (Outcome, error) {
	method, _ := ic.Config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := ic.Config["url"].(string)
	if url == "" {
		return Outcome{}, fmt.Errorf("http action: missing url")
	}

	if secs, ok := ic.Config["timeout_seconds"]; ok {
		if f, ok := toFloat(secs); ok && f > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(f*float64(time.Second)))
			defer cancel()
		}
	}

	var body io.Reader
	var bodyLen int
	if ic.Args != nil {
		if raw, ok := ic.Args["body"]; ok {
			switch v := raw.(type) {
			case string:
				body = strings.NewReader(v)
				bodyLen = len(v)
			default:
				b, err := json.Marshal(v)
				if err != nil {
					return Outcome{}, fmt.Errorf("http action: marshal body: %w", err)
				}
				body = bytes.NewReader(b)
				bodyLen = len(b)
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("http action: build request: %w", err)
	}
	if headers, ok := ic.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	if bodyLen > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	if emit != nil {
		emit(fmt.Sprintf("%s %s", req.Method, url))
	}

	resp, err := client.Do(req)
	if err != nil {
		kind := domain.ErrTransport
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.ErrTimeout
		}
		return Outcome{Retryable: true, ErrKind: kind}, fmt.Errorf("http action: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Outcome{}, fmt.Errorf("http action: read response: %w", err)
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
		"body":        decodeBody(resp.Header.Get("Content-Type"), respBody),
	}

	if resp.StatusCode >= 500 {
		return Outcome{Result: result, Retryable: true, ErrKind: domain.ErrTransport}, fmt.Errorf("http action: server error %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Outcome{Result: result, Retryable: false, ErrKind: domain.ErrAction}, fmt.Errorf("http action: client error %d", resp.StatusCode)
	}

	return Outcome{Result: result}, nil
}

func decodeBody(contentType string, raw []byte) any {
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

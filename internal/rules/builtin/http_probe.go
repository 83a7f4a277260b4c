package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rulekeeper/internal/rules"
)

// HTTPProbe GETs payload["url"]. It succeeds when the response status equals
// payload["expect_status"] or, when that is absent, is any 2xx.
type HTTPProbe struct {
	client *http.Client
}

func NewHTTPProbe(client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPProbe{client: client}
}

func (p *HTTPProbe) Handle(ctx context.Context, payload map[string]any, _ *rules.ExecutionContext) (map[string]any, error) {
	url, _ := payload["url"].(string)
	url = strings.TrimSpace(url)
	if url == "" {
		return map[string]any{"success": false, "message": "payload.url is required"}, nil
	}
	expect := 0
	switch v := payload["expect_status"].(type) {
	case float64:
		expect = int(v)
	case int:
		expect = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	took := time.Since(start)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if expect != 0 {
		ok = resp.StatusCode == expect
	}
	return map[string]any{
		"success":     ok,
		"message":     fmt.Sprintf("%s -> %d in %s", url, resp.StatusCode, took.Round(time.Millisecond)),
		"status_code": resp.StatusCode,
		"latency_ms":  took.Milliseconds(),
	}, nil
}

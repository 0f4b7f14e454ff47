// Package detect is the client SDK for the edge's programmatic detection
// endpoint. Embed it in a landing-page server or an upstream proxy to ask
// "is this visitor a bot" without terminating the campaign traffic at the
// edge itself.
//
// Quick start:
//
//	client := detect.NewClient(detect.Config{
//	    BaseURL: "https://edge.example.com",
//	})
//
//	result, err := client.CheckRequest(ctx, r, "promo-1")
//	if err == nil && result.Blocked() {
//	    http.Redirect(w, r, result.RedirectURL, http.StatusFound)
//	    return
//	}
package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the edge node endpoint (required), e.g.
	// "https://edge.example.com" or "http://localhost:8080".
	BaseURL string

	// APIKey authenticates requests when the edge sits behind an
	// authenticating proxy. Sent as a bearer token; empty sends nothing.
	APIKey string

	// Timeout for detection calls (default 5s). The edge answers within
	// its own 50 ms budget, so this mostly bounds network trouble.
	Timeout time.Duration

	// OnBlock is called for every blocked visitor, after the result is
	// returned. Useful for counters and audit trails.
	OnBlock func(result *Result)
}

// Client calls the edge's POST /detect endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a detection client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Check classifies one visitor described by req.
func (c *Client) Check(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("detect: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("detect: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("detect: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("detect: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var edgeErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &edgeErr) == nil && edgeErr.Error != "" {
			return nil, fmt.Errorf("detect: edge returned %d: %s", resp.StatusCode, edgeErr.Message)
		}
		return nil, fmt.Errorf("detect: edge returned %d", resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("detect: parse response: %w", err)
	}

	if result.Blocked() && c.config.OnBlock != nil {
		c.config.OnBlock(&result)
	}
	return &result, nil
}

// CheckRequest classifies the visitor behind an inbound HTTP request. The
// request's headers travel to the edge as-is, with the peer address
// appended as X-Forwarded-For when no proxy header already names the
// visitor.
func (c *Client) CheckRequest(ctx context.Context, r *http.Request, campaignID string) (*Result, error) {
	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	if headers["X-Forwarded-For"] == "" && headers["X-Real-Ip"] == "" {
		headers["X-Forwarded-For"] = r.RemoteAddr
	}

	return c.Check(ctx, &Request{
		URL:        r.URL.String(),
		Headers:    headers,
		CampaignID: campaignID,
	})
}

package llm

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

	"github.com/agentcom/agentcom/pkg/log"
)

// ErrUnavailable wraps transport-level failures (network, 5xx, timeout).
// Callers mark the attempt failed and proceed per their retry policy;
// the error never propagates as a crash.
var ErrUnavailable = errors.New("llm transport unavailable")

// Request is one stateless completion request. Every call carries its
// full context; no conversation state is kept between calls.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the completion plus its token accounting.
type Response struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Client is the external LLM transport. Implementations must honor the
// context deadline; the hub races every call against a hard timeout.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

const (
	defaultBaseURL     = "https://api.anthropic.com/v1"
	defaultAPIVersion  = "2023-06-01"
	messagesPath       = "/messages"
	defaultMaxTokens   = 4096
	versionHeaderKey   = "anthropic-version"
	apiKeyHeaderKey    = "x-api-key"
	requestContentType = "application/json"
)

// Config holds HTTP client settings.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type httpClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPClient creates an Anthropic-messages-API transport.
func NewHTTPClient(cfg Config) Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &httpClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		timeout:    cfg.Timeout,
	}
}

// Complete performs one completion call with the hard timeout applied.
// Transient failures retry once before surfacing ErrUnavailable.
func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger := log.WithComponent("llm")
	logger.Warn().Err(err).Msg("completion failed, retrying once")
	resp, err = c.complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func (c *httpClient) complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := map[string]interface{}{
		"model":      c.model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.System != "" {
		payload["system"] = req.System
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", requestContentType)
	httpReq.Header.Set(apiKeyHeaderKey, c.apiKey)
	httpReq.Header.Set(versionHeaderKey, defaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, truncate(string(raw), 512))
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text:         text.String(),
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

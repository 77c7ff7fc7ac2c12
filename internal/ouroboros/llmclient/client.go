// Package llmclient is the thin OpenAI-compatible completion client the
// safety gate calls for its fast-check/deep-check tiers, also reused by
// worker processes and the consciousness loop for their own completions.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Usage is the token/cost accounting a completion call reports, fed
// straight into the Budget Accountant.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Completion is the result of a Complete call.
type Completion struct {
	Text  string
	Usage Usage
}

// Client issues one-shot completion requests against a model tier.
type Client interface {
	Complete(ctx context.Context, model, prompt string) (Completion, error)
}

// Config configures an HTTPClient.
type Config struct {
	APIKey  string
	BaseURL string // defaults to https://api.openai.com/v1
	// CostPerKToken prices completions when the upstream response omits a
	// cost field, keyed by model name; falls back to 0 when absent.
	CostPerKToken map[string]float64
}

// HTTPClient speaks the OpenAI-compatible chat/completions API.
type HTTPClient struct {
	cfg Config
	hc  *http.Client
}

// NewHTTPClient builds a Client around cfg.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &HTTPClient{cfg: cfg, hc: &http.Client{Timeout: 60 * time.Second}}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete issues a single-turn chat completion with prompt as the sole
// user message, model selecting the tier (cheap "fast" vs expensive
// "deep" as configured in internal/ouroboros/config).
func (c *HTTPClient) Complete(ctx context.Context, model, prompt string) (Completion, error) {
	reqBody, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return Completion{}, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return Completion{}, fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Completion{}, fmt.Errorf("llmclient: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Completion{}, fmt.Errorf("llmclient: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Completion{}, fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, fmt.Errorf("llmclient: empty choices")
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	if perK, ok := c.cfg.CostPerKToken[model]; ok {
		usage.CostUSD = float64(usage.PromptTokens+usage.CompletionTokens) / 1000 * perK
	}

	return Completion{Text: parsed.Choices[0].Message.Content, Usage: usage}, nil
}

// Package claude implements classify.Classifier against the Claude API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/sitrep/internal/classify"
	"github.com/linnemanlabs/sitrep/internal/incident"
)

const (
	apiURL         = "https://api.anthropic.com/v1/messages"
	apiVersion     = "2023-06-01"
	responseTokens = 256
)

// Client classifies incident reports via the Claude messages API.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a new Claude classifier with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request is the payload sent to the Claude API.
type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// response is the payload received from the Claude API.
type response struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// labelsPayload is the strict JSON shape the model is instructed to emit.
type labelsPayload struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Panic     float64 `json:"panic"`
	Sentiment string  `json:"sentiment"`
}

const systemPrompt = `You label emergency reports for a disaster-response dispatch system.
Given a report, respond with a single JSON object and nothing else:
{"type": one of ["Flood","Medical","Fire","Collapse"],
 "severity": one of ["Critical","High","Medium","Low"],
 "panic": number in [0,1] estimating the reporter's distress,
 "sentiment": one of ["Panicked","Concerned","Calm","Unknown"]}`

// Classify sends the report text to Claude and parses the returned labels,
// rejecting anything outside the closed enums.
func (c *Client) Classify(ctx context.Context, r classify.Report) (*classify.Labels, error) {
	text := strings.TrimSpace(strings.Join([]string{r.Transcription, r.Description}, "\n"))
	if text == "" {
		return nil, classify.ErrUnclassifiable
	}

	body, err := json.Marshal(&request{
		Model:     c.model,
		MaxTokens: responseTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude api error %d: %s", resp.StatusCode, string(respBody))
	}

	var out response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var raw string
	for _, block := range out.Content {
		if block.Type == "text" {
			raw = block.Text
		}
	}
	return parseLabels(raw)
}

// parseLabels decodes the model output and validates it against the closed
// enums. A model that wanders off the schema yields ErrUnclassifiable, not
// a half-trusted record.
func parseLabels(raw string) (*classify.Labels, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap JSON in a code fence despite instructions.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var p labelsPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: bad label JSON: %v", classify.ErrUnclassifiable, err)
	}

	typ, err := incident.ParseType(p.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", classify.ErrUnclassifiable, err)
	}
	sev, err := incident.ParseSeverity(p.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", classify.ErrUnclassifiable, err)
	}
	if p.Panic < 0 || p.Panic > 1 {
		return nil, fmt.Errorf("%w: panic %v out of range [0,1]", classify.ErrUnclassifiable, p.Panic)
	}

	return &classify.Labels{
		Type:      typ,
		Severity:  sev,
		Panic:     p.Panic,
		Sentiment: p.Sentiment,
	}, nil
}

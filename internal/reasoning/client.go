// Package reasoning calls the external reasoning service that turns cleaned
// report text plus patient/analysis context into a human-readable
// interpretation, and normalizes its polymorphic response shape.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request carries everything one interpretation call needs.
type Request struct {
	CleanedText     string
	PatientContext  string
	AnalysisContext string
	StructuredJSON  json.RawMessage
}

// Interpreter is the reasoning capability as the orchestrator sees it. The
// orchestrator layers its own retry policy on top; implementations only need
// to make one attempt per call.
type Interpreter interface {
	Interpret(ctx context.Context, req Request) (Result, error)
}

// Message is a chat message in the service's API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured responses.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Client communicates with an Ollama-compatible chat endpoint over HTTP.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient creates a Client for the given base URL and model. A timeout of
// zero leaves the call bounded only by the caller's context.
func NewClient(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   *Schema   `json:"format,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

const systemPrompt = `You are a clinical laboratory assistant. Interpret the lab report below for the treating physician. Be factual, cite the measured values, and flag anything outside its reference range. Answer in the language of the report.`

// Interpret performs a single chat call and normalizes the response. The
// structured output schema is requested but not trusted: a service that
// answers in plain prose still yields a usable Result.
func (c *Client) Interpret(ctx context.Context, req Request) (Result, error) {
	var user strings.Builder
	if req.PatientContext != "" {
		fmt.Fprintf(&user, "Patient: %s\n", req.PatientContext)
	}
	if req.AnalysisContext != "" {
		fmt.Fprintf(&user, "Analysis: %s\n", req.AnalysisContext)
	}
	if len(req.StructuredJSON) > 0 {
		fmt.Fprintf(&user, "Structured data: %s\n", req.StructuredJSON)
	}
	user.WriteString("\nReport text:\n")
	user.WriteString(req.CleanedText)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user.String()},
		},
		Stream: false,
		Format: interpretationSchema(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshalling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("calling reasoning service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("reasoning service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Result{}, fmt.Errorf("decoding response: %w", err)
	}

	result := Normalize(chat.Message.Content)
	if result.IsZero() {
		return Result{}, fmt.Errorf("reasoning service returned an empty interpretation")
	}
	return result, nil
}

// interpretationSchema returns the JSON schema requested from the service.
func interpretationSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]SchemaProperty{
			"summary":         {Type: "string", Description: "One-paragraph overall interpretation"},
			"details":         {Type: "string", Description: "Per-measurement commentary"},
			"recommendations": {Type: "array", Description: "Suggested follow-up actions"},
			"concerns":        {Type: "array", Description: "Values or patterns needing attention"},
			"normalRanges":    {Type: "string", Description: "Reference ranges used"},
		},
		Required: []string{"summary"},
	}
}

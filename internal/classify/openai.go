package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

const systemPrompt = "You are a financial transaction classifier for a hospitality business. " +
	"You MUST respond with ONLY a valid JSON object with keys vendor_name (string), " +
	"expense_category (string, empty for incoming money) and confidence (number 0-1). " +
	"Do not include any text before or after the JSON."

// OpenAIConfig configures the OpenAI-backed classifier.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type openAIClient struct {
	httpClient  *http.Client
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIClient creates a classifier backed by the OpenAI chat API.
func NewOpenAIClient(cfg OpenAIConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("classify: OpenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 150
	}
	return &openAIClient{
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// ClassifyGroup sends one classification request for a whole group.
func (c *openAIClient) ClassifyGroup(ctx context.Context, req Request) (Result, Usage, error) {
	prompt := buildPrompt(req)
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": c.temperature,
		"max_tokens":  c.maxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("classify: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEndpoint, strings.NewReader(string(body)))
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("classify: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("classify: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, Usage{}, fmt.Errorf("classify: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, Usage{}, fmt.Errorf("classify: API error (status %d): %s", resp.StatusCode, string(raw))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Result{}, Usage{}, fmt.Errorf("classify: parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, Usage{}, fmt.Errorf("classify: no completion choices returned")
	}

	usage := Usage{
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	result, err := parseResult(parsed.Choices[0].Message.Content)
	if err != nil {
		return Result{}, usage, err
	}
	return result, usage, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify this group of %d bank transactions.\n", req.Count)
	fmt.Fprintf(&b, "Description: %s\n", req.Details)
	if req.TransactionType != "" {
		fmt.Fprintf(&b, "Transaction type: %s\n", req.TransactionType)
	}
	fmt.Fprintf(&b, "Direction: %s\n", req.Direction)
	if req.AverageOut > 0 {
		fmt.Fprintf(&b, "Average amount out: %.2f\n", req.AverageOut)
	}
	if req.AverageIn > 0 {
		fmt.Fprintf(&b, "Average amount in: %.2f\n", req.AverageIn)
	}
	b.WriteString("Suggest the vendor name and, for outgoing money only, an expense category.")
	return b.String()
}

// parseResult extracts the classification from the model's JSON answer,
// tolerating surrounding prose.
func parseResult(content string) (Result, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	if end := strings.LastIndex(content, "}"); end >= 0 && end < len(content)-1 {
		content = content[:end+1]
	}

	var parsed struct {
		VendorName      string  `json:"vendor_name"`
		ExpenseCategory string  `json:"expense_category"`
		Confidence      float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return Result{}, fmt.Errorf("classify: unparseable classification %q: %w", content, err)
	}
	if strings.TrimSpace(parsed.VendorName) == "" {
		return Result{}, fmt.Errorf("classify: classification missing vendor name")
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0
	}
	return Result{
		VendorName:      strings.TrimSpace(parsed.VendorName),
		ExpenseCategory: strings.TrimSpace(parsed.ExpenseCategory),
		Confidence:      parsed.Confidence,
	}, nil
}

package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openreport/scout/config"
)

// OpenAISummarizer asks a chat model to pick the most relevant resources,
// forcing a select_resources tool call so the answer is always structured.
type OpenAISummarizer struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *log.Logger
}

// NewOpenAISummarizer builds a summarizer from config.
func NewOpenAISummarizer(cfg config.SummarizerConfig, logger *log.Logger) *OpenAISummarizer {
	if logger == nil {
		logger = log.New(log.Writer(), "[SUM] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAISummarizer{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const selectionInstructions = `You extract the 3-5 most relevant resources from search results for a report.
The results include web pages and chart visualizations; charts are valuable
and should be preferred when relevant. Call select_resources with your picks.`

var selectResourcesTool = map[string]any{
	"type": "function",
	"function": map[string]any{
		"name":        "select_resources",
		"description": "Record the 3-5 most relevant resources from the search results.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"resources": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"url":         map[string]any{"type": "string"},
							"title":       map[string]any{"type": "string"},
							"description": map[string]any{"type": "string"},
						},
						"required": []string{"url", "title", "description"},
					},
				},
			},
			"required": []string{"resources"},
		},
	},
}

// SelectTopResources sends both candidate pools to the model and parses the
// forced tool call from the response.
func (s *OpenAISummarizer) SelectTopResources(ctx context.Context, query string, web, charts []Candidate) ([]SelectedResource, error) {
	webJSON, _ := json.Marshal(web)
	chartJSON, _ := json.Marshal(charts)
	userContent := fmt.Sprintf("Question: %s\n\nWeb search results: %s", query, webJSON)
	if len(charts) > 0 {
		userContent += fmt.Sprintf("\n\nChart results (data visualizations): %s", chartJSON)
	}

	reqBody := map[string]any{
		"model": s.model,
		"messages": []chatMessage{
			{Role: "system", Content: selectionInstructions},
			{Role: "user", Content: userContent},
		},
		"temperature": s.temperature,
		"tools":       []any{selectResourcesTool},
		"tool_choice": map[string]any{
			"type":     "function",
			"function": map[string]any{"name": "select_resources"},
		},
	}
	if s.maxTokens > 0 {
		reqBody["max_tokens"] = s.maxTokens
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("summarizer request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("summarizer returned %s: %s", resp.Status, string(b))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				ToolCalls []struct {
					Function struct {
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("failed to decode summarizer response: %w", err)
	}
	if len(completion.Choices) == 0 || len(completion.Choices[0].Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("summarizer returned no tool call")
	}

	var args struct {
		Resources []SelectedResource `json:"resources"`
	}
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.ToolCalls[0].Function.Arguments), &args); err != nil {
		return nil, fmt.Errorf("failed to parse selection: %w", err)
	}
	s.logger.Printf("summarizer selected %d resources", len(args.Resources))
	return args.Resources, nil
}

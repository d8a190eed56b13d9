// Package llm implements the LLM Client Facade (§4.6): chat/chat_cot
// against a configured OpenAI-compatible endpoint, with a typed error
// taxonomy and no built-in retry — callers log and skip.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// RateLimitedError is returned for HTTP 429 responses.
type RateLimitedError struct{ RetryAfter string }

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("llm: rate limited (retry-after: %s)", e.RetryAfter)
}

// ConnectionError wraps a transport-level failure (dial/timeout/DNS).
type ConnectionError struct{ Cause error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("llm: connection error: %v", e.Cause) }
func (e *ConnectionError) Unwrap() error { return e.Cause }

// ApiError represents a non-2xx, non-429 response from the endpoint.
type ApiError struct {
	Status  int
	Message string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("llm: api error (status %d): %s", e.Status, e.Message)
}

// UnexpectedError wraps anything that doesn't fit the other categories
// (malformed response body, JSON extraction failure, etc).
type UnexpectedError struct{ Message string }

func (e *UnexpectedError) Error() string { return fmt.Sprintf("llm: unexpected: %s", e.Message) }

// ModelProvider resolves the process-wide "default" model, re-read on
// every call (§4.6) so an operator can swap models without restarting.
type ModelProvider interface {
	DefaultModel(ctx context.Context) (string, error)
}

// Client is the LLM Client Facade.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	models     ModelProvider

	mu sync.Mutex
}

// NewClient builds a Client against an OpenAI-compatible chat/completions
// endpoint.
func NewClient(baseURL, apiKey string, timeout time.Duration, models ModelProvider) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		models:     models,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatChoice struct {
	Message struct {
		Content          string `json:"content"`
		ReasoningContent string `json:"reasoning_content"`
	} `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

// Chat sends a single-turn prompt and returns the raw completion text.
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	resp, err := c.call(ctx, prompt)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", &UnexpectedError{Message: "empty choices in response"}
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatCoTResult is chat_cot's output: the final answer plus any chain of
// thought the model emitted.
type ChatCoTResult struct {
	Answer string
	CoT    string
}

var thinkBlockPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ChatCoT sends a prompt and splits the response into CoT and answer.
// Tie-break order (§4.2): a <think>...</think> block first, else a
// reasoning_content field, else CoT is empty.
func (c *Client) ChatCoT(ctx context.Context, prompt string) (ChatCoTResult, error) {
	resp, err := c.call(ctx, prompt)
	if err != nil {
		return ChatCoTResult{}, err
	}
	if len(resp.Choices) == 0 {
		return ChatCoTResult{}, &UnexpectedError{Message: "empty choices in response"}
	}

	choice := resp.Choices[0]
	content := choice.Message.Content

	if m := thinkBlockPattern.FindStringSubmatch(content); m != nil {
		answer := thinkBlockPattern.ReplaceAllString(content, "")
		return ChatCoTResult{Answer: strings.TrimSpace(answer), CoT: strings.TrimSpace(m[1])}, nil
	}

	if choice.Message.ReasoningContent != "" {
		return ChatCoTResult{Answer: strings.TrimSpace(content), CoT: strings.TrimSpace(choice.Message.ReasoningContent)}, nil
	}

	return ChatCoTResult{Answer: strings.TrimSpace(content)}, nil
}

func (c *Client) call(ctx context.Context, prompt string) (chatResponse, error) {
	model, err := c.models.DefaultModel(ctx)
	if err != nil {
		return chatResponse{}, &UnexpectedError{Message: fmt.Sprintf("resolve default model: %v", err)}
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return chatResponse{}, &UnexpectedError{Message: fmt.Sprintf("marshal request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return chatResponse{}, &UnexpectedError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return chatResponse{}, &ConnectionError{Cause: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return chatResponse{}, &ConnectionError{Cause: err}
	}

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return chatResponse{}, &RateLimitedError{RetryAfter: httpResp.Header.Get("Retry-After")}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return chatResponse{}, &ApiError{Status: httpResp.StatusCode, Message: string(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return chatResponse{}, &UnexpectedError{Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parsed, nil
}

var jsonFencePattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// ExtractJSON parses text as JSON directly; failing that, looks for a
// fenced ```json block and parses its contents. Raises if neither works.
func ExtractJSON(text string, out interface{}) error {
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), out); err == nil {
		return nil
	}

	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), out); err == nil {
			return nil
		}
	}

	return &UnexpectedError{Message: "no parseable JSON in LLM response"}
}

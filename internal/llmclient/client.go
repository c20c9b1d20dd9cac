// Package llmclient talks to OpenAI-compatible chat completion backends and
// caches backend model discovery. Responses are reduced to the first
// assistant message content; everything else is an error.
package llmclient

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

const defaultTimeout = 20 * time.Second

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ClientError wraps every failure of an upstream LLM request: transport,
// status, or envelope shape.
type ClientError struct {
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm client: %s: %v", e.Message, e.Err)
	}
	return "llm client: " + e.Message
}

func (e *ClientError) Unwrap() error { return e.Err }

// Client is a minimal OpenAI-compatible chat client.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

type chatReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

type chatResp struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompletions posts the messages at temperature 0 and returns the first
// assistant message content.
func (c *Client) ChatCompletions(ctx context.Context, baseURL, model string, messages []Message) (string, error) {
	if c == nil || c.http == nil {
		return "", &ClientError{Message: "client is nil"}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", &ClientError{Message: "base_url is required"}
	}

	body, err := json.Marshal(chatReq{Model: model, Messages: messages, Temperature: 0})
	if err != nil {
		return "", &ClientError{Message: "encode request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &ClientError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		const max = 2048
		if len(raw) > max {
			raw = raw[:max]
		}
		return "", &ClientError{Message: fmt.Sprintf("unexpected status %s: %s", resp.Status, raw)}
	}

	var out chatResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &ClientError{Message: "invalid completion payload", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", &ClientError{Message: "completion missing choices.message.content"}
	}
	return out.Choices[0].Message.Content, nil
}

// Package llm calls an OpenAI compatible chat completion endpoint and
// caches answers by prompt.
package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miku/scholcache/fetch"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
)

const (
	DefaultEndpoint = "https://open.bigmodel.cn/api/paas/v4/chat/completions"
	DefaultModel    = "glm-4.5v"
)

// errNoChoice signals a well formed answer without content. Such answers
// happen under load and are retried.
var errNoChoice = errors.New("completion without choices")

// Completer answers a prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	RequestID      string          `json:"request_id"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client for a chat completion endpoint.
type Client struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	// JSONMode asks the model for a JSON object answer.
	JSONMode bool
	HTTP     fetch.Doer
	Retrier  *fetch.Retrier
	Logger   logrus.FieldLogger
}

// New returns a client in JSON mode with a low temperature. Empty endpoint
// or model select the defaults.
func New(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		Endpoint:    endpoint,
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.3,
		JSONMode:    true,
		HTTP:        fetch.NewClient(timeout),
		Retrier:     &fetch.Retrier{Name: "llm", MaxRetries: 2, Delay: 3 * time.Second},
	}
}

func (c *Client) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// Complete sends a system message (if not empty) and a prompt and returns
// the content of the first choice.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: strings.TrimSpace(prompt)})
	return fetch.Do(ctx, c.Retrier, func(ctx context.Context) (string, error) {
		payload := chatRequest{
			Model:       c.Model,
			Messages:    messages,
			Temperature: c.Temperature,
			RequestID:   uuid.NewString(),
		}
		if c.JSONMode {
			payload.ResponseFormat = &responseFormat{Type: "json_object"}
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fetch.Permanent(err)
		}
		req, err := http.NewRequest(http.MethodPost, c.Endpoint, bytes.NewReader(b))
		if err != nil {
			return "", fetch.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		var resp chatResponse
		if err := fetch.DoJSON(ctx, c.HTTP, req, &resp); err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("request %s: %w", payload.RequestID, errNoChoice)
		}
		c.logger().WithField("request_id", payload.RequestID).Debug("completion done")
		return resp.Choices[0].Message.Content, nil
	})
}

// StripFences removes a surrounding markdown code fence and a language tag
// from a model answer.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSpace(s)
}

// jsonCompleter is implemented by completers that decode an answer before
// keeping it.
type jsonCompleter interface {
	completeJSON(ctx context.Context, system, prompt string, v any) error
}

// CompleteJSON decodes the answer to a prompt into v. An answer that is not
// valid JSON is a permanent error, asking again rarely helps.
func CompleteJSON(ctx context.Context, c Completer, system, prompt string, v any) error {
	if jc, ok := c.(jsonCompleter); ok {
		return jc.completeJSON(ctx, system, prompt, v)
	}
	s, err := c.Complete(ctx, system, prompt)
	if err != nil {
		return err
	}
	return decodeAnswer(s, v)
}

func decodeAnswer(s string, v any) error {
	if err := json.Unmarshal([]byte(StripFences(s)), v); err != nil {
		return fetch.Permanent(fmt.Errorf("decode completion: %w", err))
	}
	return nil
}

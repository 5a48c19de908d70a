package modeladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPAdapter calls a model-serving HTTP endpoint, grounded in the
// pack's HTTP-collaborator shape: a configured client/endpoint/key, a
// JSON request/response body, and a status-code/transient classification
// on the way back out.
type HTTPAdapter struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
}

// NewHTTPAdapter builds an HTTPAdapter posting to endpoint.
func NewHTTPAdapter(client *http.Client, endpoint, apiKey string, timeout time.Duration) (*HTTPAdapter, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("model adapter endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse model adapter endpoint: %w", err)
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAdapter{client: client, endpoint: u, apiKey: strings.TrimSpace(apiKey)}, nil
}

type httpRequestBody struct {
	System      string          `json:"system"`
	Messages    []PromptMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type httpResponseBody struct {
	Text string `json:"text"`
}

// transientError wraps a failure this adapter classifies as retryable.
type transientError struct{ err error }

func (e *transientError) Error() string   { return e.err.Error() }
func (e *transientError) Unwrap() error   { return e.err }
func (e *transientError) Transient() bool { return true }

// permanentError wraps a failure this adapter classifies as not retryable.
type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Transient() bool { return false }

func (a *HTTPAdapter) Complete(ctx context.Context, prompt Prompt) (Response, error) {
	body, err := json.Marshal(httpRequestBody{
		System:      prompt.System,
		Messages:    prompt.Messages,
		MaxTokens:   prompt.MaxTokens,
		Temperature: prompt.Temperature,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encode model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Response{}, &transientError{fmt.Errorf("call model adapter: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Response{}, &transientError{fmt.Errorf("model adapter status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, &permanentError{fmt.Errorf("model adapter status %d", resp.StatusCode)}
	}

	var payload httpResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Response{}, fmt.Errorf("decode model response: %w", err)
	}
	return Response{Text: payload.Text}, nil
}

// Package critic abstracts the external reviewer that judges a worker's
// diff against a ticket's acceptance criteria.
package critic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/worker"
)

// Diff is the change set under review.
type Diff struct {
	Summary string
	Files   []worker.FileChange
}

// Verdict is the critic's judgment.
type Verdict struct {
	Approved bool
	Feedback []ticket.FeedbackItem
}

// Critic reviews a diff against a ticket's acceptance criteria.
type Critic interface {
	Review(ctx context.Context, diff Diff, criteria []string) (Verdict, error)
}

// HTTPCritic calls an external critic service over HTTP.
type HTTPCritic struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
}

// NewHTTPCritic builds an HTTPCritic posting to endpoint.
func NewHTTPCritic(client *http.Client, endpoint, apiKey string, timeout time.Duration) (*HTTPCritic, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("critic endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse critic endpoint: %w", err)
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPCritic{client: client, endpoint: u, apiKey: strings.TrimSpace(apiKey)}, nil
}

type reviewRequest struct {
	Diff     Diff     `json:"diff"`
	Criteria []string `json:"criteria"`
}

// feedbackEnvelope accepts either the structured []FeedbackItem shape or
// a bare []string, promoting each string to a FeedbackItem — resolving
// the critic feedback format ambiguity.
type feedbackEnvelope struct {
	Approved bool            `json:"approved"`
	Feedback json.RawMessage `json:"feedback"`
}

func (r *HTTPCritic) Review(ctx context.Context, diff Diff, criteria []string) (Verdict, error) {
	body, err := json.Marshal(reviewRequest{Diff: diff, Criteria: criteria})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode critic request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("build critic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("call critic: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("critic status %d", resp.StatusCode)
	}

	var envelope feedbackEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Verdict{}, fmt.Errorf("decode critic response: %w", err)
	}
	feedback, err := decodeFeedback(envelope.Feedback)
	if err != nil {
		return Verdict{}, fmt.Errorf("decode critic feedback: %w", err)
	}
	return Verdict{Approved: envelope.Approved, Feedback: feedback}, nil
}

// decodeFeedback tries the structured []FeedbackItem shape first and
// falls back to a bare []string, promoting each entry to
// FeedbackItem{Description: s}.
func decodeFeedback(raw json.RawMessage) ([]ticket.FeedbackItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var structured []ticket.FeedbackItem
	if err := json.Unmarshal(raw, &structured); err == nil {
		return structured, nil
	}
	var plain []string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	out := make([]ticket.FeedbackItem, 0, len(plain))
	for _, s := range plain {
		out = append(out, ticket.FeedbackItem{Description: s})
	}
	return out, nil
}

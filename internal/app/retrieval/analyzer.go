// Package retrieval abstracts the external repository-chunking and
// vector-search collaborator. The control plane only calls through this
// interface; the chunker/vector index themselves are out of scope.
package retrieval

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

// MaxExcerptBytes bounds the total size of file excerpts injected into a
// dialogue prompt, keeping repository context additions from dominating
// the model's context window.
const MaxExcerptBytes = 8192

// FileExcerpt is one bounded slice of a repository file surfaced to the
// model as context.
type FileExcerpt struct {
	Path    string
	Content string
}

// RepoSnapshot is the bounded repository-analysis context injected into
// build-feature dialogue prompts.
type RepoSnapshot struct {
	FileTreeSummary string
	DetectedStack   []string
	EntryPoints     []string
	Patterns        []string
	Excerpts        []FileExcerpt
}

// Analyzer resolves a repository reference to a bounded analysis
// snapshot.
type Analyzer interface {
	Analyze(ctx context.Context, repoURL string) (RepoSnapshot, error)
}

// HTTPAnalyzer calls an external retrieval service over HTTP.
type HTTPAnalyzer struct {
	client   *http.Client
	endpoint *url.URL
}

// NewHTTPAnalyzer builds an HTTPAnalyzer posting to endpoint.
func NewHTTPAnalyzer(client *http.Client, endpoint string) (*HTTPAnalyzer, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("retrieval endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse retrieval endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAnalyzer{client: client, endpoint: u}, nil
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, repoURL string) (RepoSnapshot, error) {
	body, err := json.Marshal(map[string]string{"repository_url": repoURL})
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("encode retrieval request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return RepoSnapshot{}, fmt.Errorf("call retrieval service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RepoSnapshot{}, fmt.Errorf("retrieval service status %d", resp.StatusCode)
	}

	var snapshot RepoSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return RepoSnapshot{}, fmt.Errorf("decode retrieval response: %w", err)
	}
	return clamp(snapshot), nil
}

// clamp truncates excerpts to MaxExcerptBytes in aggregate without
// splitting a file mid-excerpt: it stops at the first excerpt that does
// not fit, dropping that excerpt and every one after it.
func clamp(snapshot RepoSnapshot) RepoSnapshot {
	budget := MaxExcerptBytes
	kept := make([]FileExcerpt, 0, len(snapshot.Excerpts))
	for _, ex := range snapshot.Excerpts {
		if len(ex.Content) > budget {
			break
		}
		kept = append(kept, ex)
		budget -= len(ex.Content)
	}
	snapshot.Excerpts = kept
	return snapshot
}

// PromptSection renders the snapshot as the injected context block
// described for build-feature dialogue prompts.
func (s RepoSnapshot) PromptSection() string {
	if s.FileTreeSummary == "" && len(s.DetectedStack) == 0 && len(s.Excerpts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Repository context:\n")
	if s.FileTreeSummary != "" {
		fmt.Fprintf(&b, "File tree: %s\n", s.FileTreeSummary)
	}
	if len(s.DetectedStack) > 0 {
		fmt.Fprintf(&b, "Detected stack: %s\n", strings.Join(s.DetectedStack, ", "))
	}
	if len(s.EntryPoints) > 0 {
		fmt.Fprintf(&b, "Entry points: %s\n", strings.Join(s.EntryPoints, ", "))
	}
	if len(s.Patterns) > 0 {
		fmt.Fprintf(&b, "Patterns: %s\n", strings.Join(s.Patterns, ", "))
	}
	for _, ex := range s.Excerpts {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", ex.Path, ex.Content)
	}
	return b.String()
}

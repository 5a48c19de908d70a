package repohost

import "context"

// Mock is a scripted Host for tests and zero-config development mode.
type Mock struct {
	NextURL string
	Err     error
	calls   int
}

func (m *Mock) OpenPullRequest(ctx context.Context, req PRRequest) (PRResult, error) {
	if m.Err != nil {
		return PRResult{}, m.Err
	}
	m.calls++
	url := m.NextURL
	if url == "" {
		url = "https://github.com/example/repo/pull/1"
	}
	n, _ := PRNumberFromURL(url)
	return PRResult{URL: url, Number: n}, nil
}

// Package repohost abstracts the repository host a verified ticket's
// pull request is opened against.
package repohost

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PRRequest describes a pull request to open.
type PRRequest struct {
	RepositoryURL string
	Title         string
	Body          string
	HeadBranch    string
	BaseBranch    string
}

// PRResult is the repository host's response to opening a pull request.
type PRResult struct {
	URL    string
	Number int
}

// Host opens pull requests against a repository.
type Host interface {
	OpenPullRequest(ctx context.Context, req PRRequest) (PRResult, error)
}

// ownerRepo splits owner/repo out of a github.com repository URL.
func ownerRepo(repositoryURL string) (owner, repo string, err error) {
	u, err := url.Parse(strings.TrimSuffix(repositoryURL, ".git"))
	if err != nil {
		return "", "", fmt.Errorf("parse repository url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repository url %q does not name owner/repo", repositoryURL)
	}
	return parts[0], parts[1], nil
}

// PRNumberFromURL extracts the pull-request number from a github.com PR
// URL, used when reconciling deploy-completion notifications against a
// stored PullRequestURL.
func PRNumberFromURL(prURL string) (int, error) {
	idx := strings.LastIndex(prURL, "/")
	if idx < 0 {
		return 0, fmt.Errorf("invalid pull request url %q", prURL)
	}
	return strconv.Atoi(prURL[idx+1:])
}

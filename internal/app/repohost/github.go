package repohost

import (
	"context"
	"fmt"

	"github.com/google/go-github/v68/github"
)

// GitHubHost opens pull requests through the GitHub REST API.
type GitHubHost struct {
	gh *github.Client
}

// NewGitHubHost builds a GitHubHost authenticated with token. A zero
// token builds an unauthenticated client, useful only against public
// repositories in tests.
func NewGitHubHost(token string) *GitHubHost {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &GitHubHost{gh: client}
}

// NewGitHubHostWithClient builds a GitHubHost around an already
// configured client, for pointing tests at an httptest server.
func NewGitHubHostWithClient(gh *github.Client) *GitHubHost {
	return &GitHubHost{gh: gh}
}

func (h *GitHubHost) OpenPullRequest(ctx context.Context, req PRRequest) (PRResult, error) {
	owner, repo, err := ownerRepo(req.RepositoryURL)
	if err != nil {
		return PRResult{}, err
	}

	base := req.BaseBranch
	if base == "" {
		base = "main"
	}

	pr, _, err := h.gh.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(req.Title),
		Body:  github.Ptr(req.Body),
		Head:  github.Ptr(req.HeadBranch),
		Base:  github.Ptr(base),
	})
	if err != nil {
		return PRResult{}, fmt.Errorf("open pull request: %w", err)
	}
	return PRResult{URL: pr.GetHTMLURL(), Number: pr.GetNumber()}, nil
}

// Package deploy abstracts the external collaborator that ships an
// approved pull request and reports back completion.
package deploy

import "context"

// Request describes one deployment attempt.
type Request struct {
	TicketID      string
	PullRequestURL string
	RepositoryURL string
}

// Completion is an inbound signal the deploy collaborator reports once a
// deployment resolves, success or failure.
type Completion struct {
	TicketID string
	Success  bool
	Reason   string
}

// Executor kicks off a deployment and returns a channel the caller reads
// the eventual completion from, matching the external inbound-
// notification shape described for deploy completion.
type Executor interface {
	Deploy(ctx context.Context, req Request) (<-chan Completion, error)
}

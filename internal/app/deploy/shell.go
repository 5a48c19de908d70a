package deploy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ShellExecutor runs a configured command to perform the deployment and
// resolves the completion channel from the command's exit status.
type ShellExecutor struct {
	Command string
	Args    []string
}

// NewShellExecutor builds a ShellExecutor invoking command with args,
// appending the ticket id, repository URL, and pull request URL.
func NewShellExecutor(command string, args ...string) *ShellExecutor {
	return &ShellExecutor{Command: command, Args: args}
}

func (e *ShellExecutor) Deploy(ctx context.Context, req Request) (<-chan Completion, error) {
	if strings.TrimSpace(e.Command) == "" {
		return nil, fmt.Errorf("deploy command is not configured")
	}
	out := make(chan Completion, 1)
	args := append(append([]string(nil), e.Args...), req.TicketID, req.RepositoryURL, req.PullRequestURL)

	go func() {
		defer close(out)
		cmd := exec.CommandContext(ctx, e.Command, args...)
		output, err := cmd.CombinedOutput()
		if err != nil {
			out <- Completion{TicketID: req.TicketID, Success: false, Reason: fmt.Sprintf("%v: %s", err, string(output))}
			return
		}
		out <- Completion{TicketID: req.TicketID, Success: true}
	}()

	return out, nil
}

package deploy

import "context"

// Mock is a scripted Executor for tests: it resolves the returned
// channel with Result immediately.
type Mock struct {
	Result Completion
	Err    error
}

func (m *Mock) Deploy(ctx context.Context, req Request) (<-chan Completion, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(chan Completion, 1)
	result := m.Result
	result.TicketID = req.TicketID
	out <- result
	close(out)
	return out, nil
}

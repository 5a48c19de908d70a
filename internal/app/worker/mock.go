package worker

import "context"

// Mock is a scripted Dispatcher for tests.
type Mock struct {
	Result Result
	Err    error
}

func (m *Mock) Dispatch(ctx context.Context, unit WorkUnit) (Result, error) {
	if m.Err != nil {
		return Result{}, m.Err
	}
	return m.Result, nil
}

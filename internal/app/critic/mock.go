package critic

import "context"

// Mock is a scripted Critic for tests.
type Mock struct {
	Verdict Verdict
	Err     error
}

func (m *Mock) Review(ctx context.Context, diff Diff, criteria []string) (Verdict, error) {
	if m.Err != nil {
		return Verdict{}, m.Err
	}
	return m.Verdict, nil
}

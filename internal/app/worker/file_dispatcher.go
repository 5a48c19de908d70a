package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileDispatcher writes a work unit to a known inbox directory and polls
// the outbox for the matching result file, per the design notes' "JSON
// input file / JSON output file" worker handoff.
type FileDispatcher struct {
	InboxDir     string
	OutboxDir    string
	PollInterval time.Duration
}

// NewFileDispatcher builds a FileDispatcher rooted at inboxDir/outboxDir,
// creating both directories if they do not exist.
func NewFileDispatcher(inboxDir, outboxDir string) (*FileDispatcher, error) {
	if err := os.MkdirAll(inboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker inbox dir: %w", err)
	}
	if err := os.MkdirAll(outboxDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker outbox dir: %w", err)
	}
	return &FileDispatcher{InboxDir: inboxDir, OutboxDir: outboxDir, PollInterval: DefaultPollInterval}, nil
}

func (d *FileDispatcher) Dispatch(ctx context.Context, unit WorkUnit) (Result, error) {
	name := fmt.Sprintf("%s-%d", unit.TicketID, unit.Attempt)
	inPath := filepath.Join(d.InboxDir, name+".json")
	outPath := filepath.Join(d.OutboxDir, name+".json")

	payload, err := json.MarshalIndent(unit, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode work unit: %w", err)
	}
	if err := os.WriteFile(inPath, payload, 0o644); err != nil {
		return Result{}, fmt.Errorf("write work unit: %w", err)
	}

	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{FailureKind: "timeout", Error: ctx.Err().Error()}, ctx.Err()
		case <-ticker.C:
			data, err := os.ReadFile(outPath)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return Result{}, fmt.Errorf("read worker result: %w", err)
			}
			var result Result
			if err := json.Unmarshal(data, &result); err != nil {
				return Result{}, fmt.Errorf("decode worker result: %w", err)
			}
			_ = os.Remove(outPath)
			return result, nil
		}
	}
}

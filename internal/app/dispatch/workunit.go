package dispatch

import (
	"context"

	"github.com/buildforge/controlplane/internal/app/domain/ticket"
	"github.com/buildforge/controlplane/internal/app/httpapi"
	"github.com/buildforge/controlplane/internal/app/worker"
)

// buildWorkUnit assembles the payload handed to a worker for one
// dispatch attempt, folding in retrieved repository context when an
// analyzer is configured. Analyzer failures are non-fatal: the worker
// still runs, just without extra context.
func (l *Loop) buildWorkUnit(ctx context.Context, t ticket.Ticket, settings httpapi.ProjectSettings) worker.WorkUnit {
	unit := worker.WorkUnit{
		TicketID:           t.ID,
		Attempt:            t.RetryCount + 1,
		TraceID:            t.TraceID,
		Title:              t.Title,
		Description:        t.Description,
		AcceptanceCriteria: t.AcceptanceCriteria,
		RepositoryURL:      settings.RepositoryURL,
		FileHints:          t.FileHints,
		CriticFeedback:     feedbackDescriptions(t.CriticFeedback),
	}

	if l.analyzer == nil || unit.RepositoryURL == "" {
		return unit
	}
	snapshot, err := l.analyzer.Analyze(ctx, unit.RepositoryURL)
	if err != nil {
		l.log.WithError(err).WithField("ticket_id", t.ID).Warn("repository analysis failed, dispatching without it")
		return unit
	}
	unit.RetrievedFiles = make([]worker.RetrievedFile, 0, len(snapshot.Excerpts))
	for _, ex := range snapshot.Excerpts {
		unit.RetrievedFiles = append(unit.RetrievedFiles, worker.RetrievedFile{Path: ex.Path, Snippet: ex.Content})
	}
	return unit
}

func feedbackDescriptions(items []ticket.FeedbackItem) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Description)
	}
	return out
}

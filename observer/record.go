package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordSearch records one search request: its mode, result count, and
// duration.
func (inst *Instruments) RecordSearch(ctx context.Context, mode string, results int, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	inst.SearchRequests.Add(ctx, 1, metric.WithAttributes(
		AttrSearchMode.String(mode),
		attribute.String("status", status),
	))
	inst.SearchDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(AttrSearchMode.String(mode)))
}

// RecordImport records the outcome of one archive import.
func (inst *Instruments) RecordImport(ctx context.Context, format string, conversations, messages int, elapsed time.Duration) {
	attrs := metric.WithAttributes(AttrImportFormat.String(format))
	inst.ImportConversations.Add(ctx, int64(conversations), attrs)
	inst.ImportMessages.Add(ctx, int64(messages), attrs)
	inst.ImportDuration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
}

// RecordJob records a completed or failed queue job attempt.
func (inst *Instruments) RecordJob(ctx context.Context, kind string, failed bool) {
	attrs := metric.WithAttributes(AttrJobKind.String(kind))
	if failed {
		inst.JobsFailed.Add(ctx, 1, attrs)
		return
	}
	inst.JobsCompleted.Add(ctx, 1, attrs)
}

// Package history records completed query runs as a best-effort side effect.
// Recording happens after the caller already has its result; a slow or
// failing recorder can never change a request's outcome.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunRecord describes one finished run. SQL here has already passed
// validation or been rejected; the record never carries the tenant DSN.
type RunRecord struct {
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	Question      string    `json:"question"`
	SQL           string    `json:"sql"`
	Outcome       string    `json:"outcome"`
	RowCount      int       `json:"row_count"`
	ElapsedMillis int64     `json:"elapsed_millis"`
	StartedAt     time.Time `json:"started_at"`
}

type Recorder interface {
	Record(ctx context.Context, record RunRecord)
}

// NewRunID returns a fresh identifier for a run record.
func NewRunID() string {
	return uuid.NewString()
}

// LogRecorder writes run records to the service log.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, record RunRecord) {
	r.logger.LogAttrs(ctx, slog.LevelInfo, "query run recorded",
		slog.String("run_id", record.RunID),
		slog.String("tenant_id", record.TenantID),
		slog.String("outcome", record.Outcome),
		slog.Int("row_count", record.RowCount),
		slog.Int64("elapsed_ms", record.ElapsedMillis),
	)
}

// Dispatch sends the record to the recorder on its own goroutine, detached
// from the request context so an already-answered request cannot cancel its
// own bookkeeping. A nil recorder drops the record.
func Dispatch(recorder Recorder, record RunRecord) {
	if recorder == nil {
		return
	}
	go func() {
		defer func() {
			// A panicking recorder must not take the process down.
			_ = recover()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		recorder.Record(ctx, record)
	}()
}

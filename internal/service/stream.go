package service

import (
	"context"
	"errors"

	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/sqlguard"
	"github.com/querydesk/querydesk/internal/streamparse"
)

const (
	EventSchemaReady = "schema-ready"
	EventSQL         = "sql"
	EventExplanation = "explanation"
	EventStatus      = "status"
	EventResults     = "results"
	EventComplete    = "complete"
	EventError       = "error"
)

// Event is one element of the ordered stream a live client receives. Exactly
// one sql and one explanation event with Partial=false precede the results
// event on a successful run; an error event terminates the stream.
type Event struct {
	Type          string           `json:"type"`
	TableCount    int              `json:"table_count,omitempty"`
	Content       string           `json:"content,omitempty"`
	Partial       bool             `json:"partial,omitempty"`
	Message       string           `json:"message,omitempty"`
	Rows          []map[string]any `json:"rows,omitempty"`
	RowCount      int              `json:"row_count,omitempty"`
	ElapsedMillis int64            `json:"elapsed_millis,omitempty"`
}

// AskStream answers one question, emitting progress events as the model's
// answer streams in. Domain failures become a terminal error event and a nil
// return; a non-nil return means emit itself failed (the client went away)
// and nothing further should be written.
func (s *Service) AskStream(ctx context.Context, req AskRequest, emit func(Event) error) error {
	run := s.newRun(req)

	schema, err := s.fetcher.FetchSchema(ctx, req.TenantID, req.DSN)
	if err != nil {
		s.finishRun(run, "error", nil)
		return emit(Event{Type: EventError, Message: clientMessage(err)})
	}
	if err := emit(Event{Type: EventSchemaReady, TableCount: schema.TableCount()}); err != nil {
		return err
	}

	var emitErr error
	extractor := streamparse.New(func(snapshot streamparse.Snapshot) {
		if emitErr != nil {
			return
		}
		switch snapshot.State {
		case streamparse.StateInSQL:
			emitErr = emit(Event{Type: EventSQL, Content: snapshot.SQL, Partial: true})
		case streamparse.StateInExplanation:
			emitErr = emit(Event{Type: EventExplanation, Content: snapshot.Explanation, Partial: true})
		}
	})

	translateErr := s.translator.TranslateStream(ctx, nl2sql.Request{
		TenantID: req.TenantID,
		Question: req.Question,
		Schema:   schema.FormatForPrompt(),
	}, func(fragment string) error {
		extractor.Feed(fragment)
		return emitErr
	})
	if emitErr != nil {
		return emitErr
	}
	if translateErr != nil {
		s.finishRun(run, "error", nil)
		return emit(Event{Type: EventError, Message: clientMessage(translateErr)})
	}

	// The final partition overrides every partial snapshot.
	sections := extractor.Finish()
	if sections.SQL == "" {
		s.finishRun(run, "generation_failed", nil)
		return emit(Event{Type: EventError, Message: ErrNoSQLGenerated.Error()})
	}
	if err := emit(Event{Type: EventSQL, Content: sections.SQL, Partial: false}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventExplanation, Content: sections.Explanation, Partial: false}); err != nil {
		return err
	}
	if err := emit(Event{Type: EventStatus, Message: "executing query"}); err != nil {
		return err
	}

	outcome, err := s.runExtracted(ctx, req, run, sections)
	if err != nil {
		if ctx.Err() != nil {
			// Client cancelled: the executed result, if any, is discarded and
			// its connection already released. Nothing left to tell anyone.
			return ctx.Err()
		}
		return emit(Event{Type: EventError, Message: clientMessage(err)})
	}

	if err := emit(Event{
		Type:          EventResults,
		Rows:          outcome.Rows,
		RowCount:      outcome.RowCount,
		ElapsedMillis: outcome.ElapsedMillis,
	}); err != nil {
		return err
	}
	return emit(Event{Type: EventComplete})
}

// clientMessage renders an error for an end user. Classified and validation
// errors carry curated text; anything else collapses to a generic line so
// internal details never reach the stream.
func clientMessage(err error) string {
	var execErr *executor.Error
	if errors.As(err, &execErr) {
		return execErr.Message
	}
	var rejection *sqlguard.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Error()
	}
	if errors.Is(err, ErrNoSQLGenerated) {
		return ErrNoSQLGenerated.Error()
	}
	return "query processing failed"
}

// Package service orchestrates a question's full path: schema introspection,
// translation, section extraction, validation, and execution. It owns no
// transport concerns; the api package adapts it to HTTP.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/history"
	"github.com/querydesk/querydesk/internal/introspect"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/observability"
	"github.com/querydesk/querydesk/internal/sqlguard"
	"github.com/querydesk/querydesk/internal/streamparse"
)

// ErrNoSQLGenerated reports an answer whose sql section never appeared. It is
// a generation failure: nothing reaches the validator or a database.
var ErrNoSQLGenerated = errors.New("model answer contained no sql section")

type SchemaFetcher interface {
	FetchSchema(ctx context.Context, tenantID, dsn string) (*introspect.Schema, error)
}

type StatementRunner interface {
	Execute(ctx context.Context, tenantID, dsn, statement string) (*executor.Outcome, error)
}

type Service struct {
	fetcher    SchemaFetcher
	runner     StatementRunner
	translator nl2sql.Translator
	recorder   history.Recorder
	logger     *slog.Logger
}

func New(fetcher SchemaFetcher, runner StatementRunner, translator nl2sql.Translator, recorder history.Recorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		fetcher:    fetcher,
		runner:     runner,
		translator: translator,
		recorder:   recorder,
		logger:     logger,
	}
}

type AskRequest struct {
	TenantID string
	DSN      string
	Question string
}

type AskResult struct {
	SQL           string           `json:"sql"`
	Explanation   string           `json:"explanation"`
	Rows          []map[string]any `json:"rows"`
	RowCount      int              `json:"row_count"`
	ElapsedMillis int64            `json:"elapsed_millis"`
}

// Ask answers one question end to end. The model's whole answer is fetched in
// one piece and partitioned exactly as the streaming path partitions it.
func (s *Service) Ask(ctx context.Context, req AskRequest) (*AskResult, error) {
	run := s.newRun(req)

	schema, err := s.fetcher.FetchSchema(ctx, req.TenantID, req.DSN)
	if err != nil {
		s.finishRun(run, "error", nil)
		return nil, err
	}

	translated, err := s.translator.Translate(ctx, nl2sql.Request{
		TenantID: req.TenantID,
		Question: req.Question,
		Schema:   schema.FormatForPrompt(),
	})
	if err != nil {
		s.finishRun(run, "error", nil)
		return nil, err
	}

	extractor := streamparse.New(nil)
	extractor.Feed(translated.Answer)
	sections := extractor.Finish()

	outcome, err := s.runExtracted(ctx, req, run, sections)
	if err != nil {
		return nil, err
	}
	return &AskResult{
		SQL:           sections.SQL,
		Explanation:   sections.Explanation,
		Rows:          outcome.Rows,
		RowCount:      outcome.RowCount,
		ElapsedMillis: outcome.ElapsedMillis,
	}, nil
}

// Schema returns a fresh introspection snapshot for direct callers.
func (s *Service) Schema(ctx context.Context, tenantID, dsn string) (*introspect.Schema, error) {
	return s.fetcher.FetchSchema(ctx, tenantID, dsn)
}

// runExtracted takes a finished partition through validation and execution,
// recording the run whichever way it ends.
func (s *Service) runExtracted(ctx context.Context, req AskRequest, run history.RunRecord, sections streamparse.Result) (*executor.Outcome, error) {
	if sections.SQL == "" {
		s.finishRun(run, "generation_failed", nil)
		return nil, ErrNoSQLGenerated
	}
	run.SQL = sections.SQL

	if verdict := sqlguard.Validate(sections.SQL); !verdict.Accepted {
		observability.IncrementValidatorReject(string(verdict.Reason))
		s.finishRun(run, "rejected", nil)
		return nil, verdict.Err()
	}

	outcome, err := s.runner.Execute(ctx, req.TenantID, req.DSN, sections.SQL)
	if err != nil {
		s.finishRun(run, "error", nil)
		return nil, err
	}
	s.finishRun(run, "ok", outcome)
	return outcome, nil
}

func (s *Service) newRun(req AskRequest) history.RunRecord {
	return history.RunRecord{
		RunID:     history.NewRunID(),
		TenantID:  req.TenantID,
		Question:  req.Question,
		StartedAt: time.Now().UTC(),
	}
}

func (s *Service) finishRun(run history.RunRecord, outcome string, result *executor.Outcome) {
	run.Outcome = outcome
	if result != nil {
		run.RowCount = result.RowCount
		run.ElapsedMillis = result.ElapsedMillis
	}
	history.Dispatch(s.recorder, run)
}

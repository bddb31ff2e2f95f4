package service

import (
	"context"
	"errors"
	"testing"

	"github.com/querydesk/querydesk/internal/executor"
	"github.com/querydesk/querydesk/internal/introspect"
	"github.com/querydesk/querydesk/internal/nl2sql"
	"github.com/querydesk/querydesk/internal/sqlguard"
)

type fakeFetcher struct {
	schema *introspect.Schema
	err    error
}

func (f *fakeFetcher) FetchSchema(context.Context, string, string) (*introspect.Schema, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.schema, nil
}

type fakeRunner struct {
	outcome    *executor.Outcome
	err        error
	statements []string
}

func (f *fakeRunner) Execute(_ context.Context, _, _, statement string) (*executor.Outcome, error) {
	f.statements = append(f.statements, statement)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

type fakeTranslator struct {
	answer    string
	fragments []string
	err       error
}

func (f *fakeTranslator) Translate(context.Context, nl2sql.Request) (nl2sql.Result, error) {
	if f.err != nil {
		return nl2sql.Result{}, f.err
	}
	return nl2sql.Result{Answer: f.answer, Provider: "fake", Model: "fake-model"}, nil
}

func (f *fakeTranslator) TranslateStream(_ context.Context, _ nl2sql.Request, onFragment func(string) error) error {
	if f.err != nil {
		return f.err
	}
	for _, fragment := range f.fragments {
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	return nil
}

func usersSchema() *introspect.Schema {
	return &introspect.Schema{Tables: []introspect.Table{
		{Name: "users", Columns: []introspect.Column{
			{Name: "id", DataType: "integer"},
			{Name: "active", DataType: "boolean"},
		}},
	}}
}

func TestAskHappyPath(t *testing.T) {
	runner := &fakeRunner{outcome: &executor.Outcome{
		Columns:       []string{"id"},
		Rows:          []map[string]any{{"id": int64(1)}, {"id": int64(2)}, {"id": int64(3)}},
		RowCount:      3,
		ElapsedMillis: 12,
	}}
	svc := New(
		&fakeFetcher{schema: usersSchema()},
		runner,
		&fakeTranslator{answer: "sql: SELECT id FROM users WHERE active = true\nexplanation: Lists active user ids."},
		nil, nil,
	)

	result, err := svc.Ask(context.Background(), AskRequest{TenantID: "tenant-1", DSN: "postgres://u:p@db/app", Question: "who is active?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.SQL != "SELECT id FROM users WHERE active = true" {
		t.Fatalf("SQL = %q", result.SQL)
	}
	if result.Explanation != "Lists active user ids." {
		t.Fatalf("Explanation = %q", result.Explanation)
	}
	if result.RowCount != 3 || result.ElapsedMillis != 12 {
		t.Fatalf("RowCount = %d, ElapsedMillis = %d", result.RowCount, result.ElapsedMillis)
	}
	if len(runner.statements) != 1 || runner.statements[0] != result.SQL {
		t.Fatalf("executed statements = %v", runner.statements)
	}
}

func TestAskRejectsUnsafeStatement(t *testing.T) {
	runner := &fakeRunner{}
	svc := New(
		&fakeFetcher{schema: usersSchema()},
		runner,
		&fakeTranslator{answer: "sql: SELECT * FROM users; DROP TABLE users explanation: oops"},
		nil, nil,
	)

	_, err := svc.Ask(context.Background(), AskRequest{TenantID: "tenant-1", DSN: "dsn", Question: "q"})
	var rejection *sqlguard.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("Ask() error = %T (%v), want *sqlguard.RejectionError", err, err)
	}
	if rejection.Keyword != "drop" {
		t.Fatalf("Keyword = %q", rejection.Keyword)
	}
	if len(runner.statements) != 0 {
		t.Fatalf("rejected statement reached the executor: %v", runner.statements)
	}
}

func TestAskNoSQLGenerated(t *testing.T) {
	runner := &fakeRunner{}
	svc := New(
		&fakeFetcher{schema: usersSchema()},
		runner,
		&fakeTranslator{answer: "I cannot write a query for that."},
		nil, nil,
	)

	_, err := svc.Ask(context.Background(), AskRequest{TenantID: "tenant-1", DSN: "dsn", Question: "q"})
	if !errors.Is(err, ErrNoSQLGenerated) {
		t.Fatalf("Ask() error = %v, want ErrNoSQLGenerated", err)
	}
	if len(runner.statements) != 0 {
		t.Fatalf("empty answer reached the executor: %v", runner.statements)
	}
}

func TestAskPropagatesExecutorError(t *testing.T) {
	execErr := &executor.Error{Kind: executor.KindTableNotFound, Message: "relation not found: users"}
	svc := New(
		&fakeFetcher{schema: usersSchema()},
		&fakeRunner{err: execErr},
		&fakeTranslator{answer: "sql: SELECT id FROM users explanation: ids"},
		nil, nil,
	)

	_, err := svc.Ask(context.Background(), AskRequest{TenantID: "tenant-1", DSN: "dsn", Question: "q"})
	var classified *executor.Error
	if !errors.As(err, &classified) || classified.Kind != executor.KindTableNotFound {
		t.Fatalf("Ask() error = %v", err)
	}
}

func TestAskPropagatesSchemaError(t *testing.T) {
	execErr := &executor.Error{Kind: executor.KindAuthentication, Message: "authentication with the target database failed"}
	svc := New(&fakeFetcher{err: execErr}, &fakeRunner{}, &fakeTranslator{}, nil, nil)

	_, err := svc.Ask(context.Background(), AskRequest{TenantID: "tenant-1", DSN: "dsn", Question: "q"})
	var classified *executor.Error
	if !errors.As(err, &classified) || classified.Kind != executor.KindAuthentication {
		t.Fatalf("Ask() error = %v", err)
	}
}

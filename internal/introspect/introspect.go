// Package introspect fetches a tenant database's public table layout for use
// in translation prompts. It runs one fixed catalog query per call and keeps
// no cache; callers decide how often a fresh snapshot is worth a round trip.
package introspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/querydesk/querydesk/internal/executor"
)

// schemaQuery is the only statement this package ever issues. Ordinal
// ordering keeps column order stable across calls so prompts and their
// cache keys do not churn.
const schemaQuery = `SELECT table_name, column_name, data_type, is_nullable ` +
	`FROM information_schema.columns WHERE table_schema = 'public' ` +
	`ORDER BY table_name, ordinal_position`

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is an ordered snapshot of the public schema. Table and column order
// follow the catalog query, not map iteration.
type Schema struct {
	Tables []Table `json:"tables"`
}

func (s *Schema) TableCount() int {
	return len(s.Tables)
}

// FormatForPrompt renders the schema in the compact form the translation
// prompt embeds. An empty schema renders a sentinel line rather than nothing
// so the model is told the database is empty instead of guessing tables.
func (s *Schema) FormatForPrompt() string {
	if len(s.Tables) == 0 {
		return "(no tables in the public schema)"
	}
	var b strings.Builder
	for i, table := range s.Tables {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Table %s:\n", table.Name)
		for _, column := range table.Columns {
			nullability := "not null"
			if column.Nullable {
				nullability = "nullable"
			}
			fmt.Fprintf(&b, "  - %s (%s, %s)\n", column.Name, column.DataType, nullability)
		}
	}
	return b.String()
}

// Runner executes a statement on a tenant database. The query executor is the
// production implementation, so schema fetches share its pool, row cap, and
// error taxonomy.
type Runner interface {
	Execute(ctx context.Context, tenantID, dsn, statement string) (*executor.Outcome, error)
}

type Introspector struct {
	runner Runner
}

func New(runner Runner) *Introspector {
	return &Introspector{runner: runner}
}

// FetchSchema runs the catalog query and groups its rows into tables.
// Failures carry the executor's taxonomy unchanged; there is no
// introspection-specific error kind.
func (i *Introspector) FetchSchema(ctx context.Context, tenantID, dsn string) (*Schema, error) {
	outcome, err := i.runner.Execute(ctx, tenantID, dsn, schemaQuery)
	if err != nil {
		return nil, err
	}

	schema := &Schema{}
	for _, row := range outcome.Rows {
		tableName := stringField(row, "table_name")
		if len(schema.Tables) == 0 || schema.Tables[len(schema.Tables)-1].Name != tableName {
			schema.Tables = append(schema.Tables, Table{Name: tableName})
		}
		table := &schema.Tables[len(schema.Tables)-1]
		table.Columns = append(table.Columns, Column{
			Name:     stringField(row, "column_name"),
			DataType: stringField(row, "data_type"),
			Nullable: strings.EqualFold(stringField(row, "is_nullable"), "YES"),
		})
	}
	return schema, nil
}

func stringField(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

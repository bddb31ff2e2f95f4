package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/querydesk/querydesk/internal/dbpool"
)

// Kind is the closed failure taxonomy for statement execution. Every kind is
// a local, recoverable-by-caller condition; the executor never retries on its
// own and never treats any of these as fatal.
type Kind string

const (
	KindConnectionRefused   Kind = "connection_refused"
	KindHostNotFound        Kind = "host_not_found"
	KindAuthentication      Kind = "authentication_failed"
	KindDatabaseNotFound    Kind = "database_not_found"
	KindTableNotFound       Kind = "table_not_found"
	KindSyntaxError         Kind = "syntax_error"
	KindUniqueViolation     Kind = "unique_constraint_violation"
	KindForeignKeyViolation Kind = "foreign_key_violation"
	KindTimeout             Kind = "timeout"
	KindPoolExhausted       Kind = "pool_exhausted"
	KindResultTooLarge      Kind = "result_too_large"
	KindDatabaseError       Kind = "database_error"
)

// Error is a classified execution failure. Messages are composed here from
// the kind, never copied verbatim from transport errors, so a DSN or host
// name can never leak through them.
type Error struct {
	Kind    Kind
	Message string
	Limit   int
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Classify maps a driver-level failure onto the closed taxonomy. Server
// errors keep their native message (the server does not echo connection
// credentials); client-side parse, dial, and handshake errors embed the DSN's
// host and user, so those are replaced with composed messages before anything
// reaches a log line or response body.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, dbpool.ErrPoolExhausted) {
		return newError(KindPoolExhausted, "no connection became available within the acquire timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "statement execution timed out")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPg(pgErr)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(KindHostNotFound, "target database host could not be resolved")
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// The raw OpError embeds the target address; report only the class.
		return newError(KindConnectionRefused, "target database refused the connection")
	}

	var parseErr *pgconn.ParseConfigError
	if errors.As(err, &parseErr) {
		// The parse error quotes the DSN, user and host included.
		return newError(KindDatabaseError, "target connection string could not be parsed")
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		// Dial and TLS handshake failures name the target host.
		return newError(KindDatabaseError, "could not establish a connection to the target database")
	}

	return newError(KindDatabaseError, sanitizeNative(err))
}

// sanitizeNative keeps an unrecognized error's text only when it cannot be
// carrying connection details; anything resembling a DSN, address, or
// credential collapses to the bare class.
func sanitizeNative(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "@") ||
		strings.Contains(msg, "://") ||
		strings.Contains(msg, "host=") ||
		strings.Contains(strings.ToLower(msg), "password") {
		return "database error"
	}
	return fmt.Sprintf("database error: %s", msg)
}

func classifyPg(pgErr *pgconn.PgError) *Error {
	switch pgErr.Code {
	case "28000", "28P01":
		return newError(KindAuthentication, "authentication with the target database failed")
	case "3D000":
		return newError(KindDatabaseNotFound, "target database does not exist")
	case "42P01":
		return newError(KindTableNotFound, fmt.Sprintf("relation not found: %s", pgErr.Message))
	case "42601":
		return newError(KindSyntaxError, fmt.Sprintf("syntax error: %s", pgErr.Message))
	case "23505":
		return newError(KindUniqueViolation, fmt.Sprintf("unique constraint violation: %s", pgErr.Message))
	case "23503":
		return newError(KindForeignKeyViolation, fmt.Sprintf("foreign key violation: %s", pgErr.Message))
	case "57014":
		return newError(KindTimeout, "statement cancelled by the target database")
	default:
		return newError(KindDatabaseError, fmt.Sprintf("database error: %s", pgErr.Message))
	}
}

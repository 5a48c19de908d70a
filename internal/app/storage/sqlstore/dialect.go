// Package sqlstore implements storage.Store once against database/sql,
// parameterized by a Dialect so the Postgres and SQLite backends share a
// single body of business logic instead of duplicating it.
package sqlstore

import (
	"fmt"
	"strings"
	"time"
)

// Dialect isolates the handful of places Postgres and SQLite disagree:
// parameter placeholder syntax, timestamp encoding, and how a SELECT
// claims a row under contention.
type Dialect interface {
	// Name identifies the dialect for error messages.
	Name() string

	// Placeholder returns the bind-parameter marker for the n-th
	// (1-indexed) argument of a query.
	Placeholder(n int) string

	// SupportsSkipLocked reports whether "FOR UPDATE SKIP LOCKED" is
	// available. SQLite has no row locking; ClaimNext instead relies on
	// a BEGIN IMMEDIATE transaction to serialize claims.
	SupportsSkipLocked() bool

	// TimeArg encodes a time.Time as a bind argument.
	TimeArg(t time.Time) any

	// ScanTime decodes a scanned column value back into a time.Time.
	ScanTime(v any) (time.Time, error)
}

// Postgres is the PostgreSQL dialect: $n placeholders, SKIP LOCKED,
// native TIMESTAMPTZ columns.
type Postgres struct{}

func (Postgres) Name() string             { return "postgres" }
func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (Postgres) SupportsSkipLocked() bool { return true }

func (Postgres) TimeArg(t time.Time) any { return t.UTC() }

func (Postgres) ScanTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

// SQLite is the modernc.org/sqlite dialect: ? placeholders, no row
// locking (single-writer via BEGIN IMMEDIATE instead), RFC3339 text
// timestamps.
type SQLite struct{}

func (SQLite) Name() string             { return "sqlite" }
func (SQLite) Placeholder(n int) string { return "?" }
func (SQLite) SupportsSkipLocked() bool { return false }

func (SQLite) TimeArg(t time.Time) any { return t.UTC().Format(time.RFC3339Nano) }

func (SQLite) ScanTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, val)
	case []byte:
		if len(val) == 0 {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, string(val))
	case time.Time:
		return val.UTC(), nil
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unexpected time column type %T", v)
	}
}

// rebind rewrites a query template written with "?" placeholders into the
// dialect's native placeholder syntax. Writing every query against "?" and
// rebinding once keeps the two backends from diverging on SQL text.
func rebind(d Dialect, query string) string {
	if _, ok := d.(SQLite); ok {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

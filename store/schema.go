package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Internal tables. The queue table is the delivery target of every
// registration; queue clients receive from it destructively.
const (
	RegistrationsTable      = "__sqlwatch_registrations"
	RegistrationTablesTable = "__sqlwatch_registration_tables"
	QueueTable              = "__sqlwatch_queue"

	internalPrefix = "__sqlwatch_"
)

// Message types written to the queue table
const (
	MessageChange  = "change"
	MessageTimeout = "timeout"
)

// DriverName is the database/sql driver used for SQLite
const DriverName = "sqlite3"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS ` + RegistrationsTable + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_token TEXT NOT NULL UNIQUE,
		service TEXT NOT NULL,
		queue_name TEXT NOT NULL,
		options TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ` + RegistrationsTable + `_expires ON ` + RegistrationsTable + ` (expires_at)`,
	`CREATE TABLE IF NOT EXISTS ` + RegistrationTablesTable + ` (
		registration_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		PRIMARY KEY (registration_id, table_name)
	)`,
	`CREATE INDEX IF NOT EXISTS ` + RegistrationTablesTable + `_table ON ` + RegistrationTablesTable + ` (table_name)`,
	`CREATE TABLE IF NOT EXISTS ` + QueueTable + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue_name TEXT NOT NULL,
		message_type TEXT NOT NULL,
		conversation TEXT NOT NULL,
		body BLOB,
		enqueued_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ` + QueueTable + `_queue ON ` + QueueTable + ` (queue_name, id)`,
}

// EnsureSchema creates the internal tables if they are missing
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create internal schema: %w", err)
		}
	}
	return nil
}

// DSN builds the mattn/go-sqlite3 DSN used by both the store and queue clients.
// _txlock=immediate takes the write lock at BEGIN so a registration and its
// snapshot cannot interleave with another writer.
func DSN(path string, busyTimeout time.Duration) string {
	params := []string{
		"_txlock=immediate",
		fmt.Sprintf("_busy_timeout=%d", busyTimeout.Milliseconds()),
	}
	if !strings.Contains(path, ":memory:") {
		params = append(params, "_journal_mode=WAL")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// nowMillisSQL is the SQLite expression for the current unix time in ms
const nowMillisSQL = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// triggerStatements returns the AFTER INSERT/UPDATE/DELETE triggers that
// turn a write on table into one change message per live registration on it.
// Registrations are one-shot: the trigger deletes what it notified.
func triggerStatements(table string) []string {
	ident := quoteIdent(table)
	lit := quoteLiteral(table)
	stmts := make([]string, 0, 3)

	for _, op := range []string{"INSERT", "UPDATE", "DELETE"} {
		name := quoteIdent(triggerName(table, op))
		body := quoteLiteral(strings.ToLower(op) + ":" + table)
		stmts = append(stmts, fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER %s ON %s BEGIN
	INSERT INTO %s (queue_name, message_type, conversation, body, enqueued_at)
		SELECT r.queue_name, '%s', r.correlation_token, %s, %s
		FROM %s r
		WHERE r.id IN (SELECT registration_id FROM %s WHERE table_name = %s);
	DELETE FROM %s
		WHERE id IN (SELECT registration_id FROM %s WHERE table_name = %s);
	DELETE FROM %s
		WHERE registration_id NOT IN (SELECT id FROM %s);
END`,
			name, op, ident,
			QueueTable,
			MessageChange, body, nowMillisSQL,
			RegistrationsTable,
			RegistrationTablesTable, lit,
			RegistrationsTable,
			RegistrationTablesTable, lit,
			RegistrationTablesTable,
			RegistrationsTable,
		))
	}

	return stmts
}

// triggerName derives a stable identifier-safe trigger name for a table
func triggerName(table, op string) string {
	return fmt.Sprintf("%s%016x_%s", internalPrefix, xxhash.Sum64String(table), strings.ToLower(op))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func isInternalTable(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, internalPrefix) || strings.HasPrefix(lower, "sqlite_")
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	defaultBusyTimeout    = 5 * time.Second
	defaultExpiryInterval = time.Second
)

// SQLiteConfig configures the SQLite store
type SQLiteConfig struct {
	Path           string
	BusyTimeout    time.Duration
	ExpiryInterval time.Duration // How often timed-out registrations become timeout messages
	QueryCacheSize int
}

// SQLite is a Store over a SQLite database file. Registrations live in
// internal tables; triggers on watched tables deliver change messages into
// the internal queue table.
type SQLite struct {
	config  SQLiteConfig
	dialect goqu.DialectWrapper
	tables  *tableCache

	mu        sync.Mutex // Guards db, installed and the sweeper lifecycle
	db        *sql.DB
	installed map[string]bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	state     atomic.Int32
}

// NewSQLite creates a store; the database is opened lazily
func NewSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = defaultBusyTimeout
	}
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = defaultExpiryInterval
	}

	tables, err := newTableCache(config.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	return &SQLite{
		config:  config,
		dialect: goqu.Dialect("sqlite3"),
		tables:  tables,
	}, nil
}

// Open opens the database, creates the internal schema and starts the
// expiry sweeper. Opening an open store is a no-op.
func (s *SQLite) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := sql.Open(DriverName, DSN(s.config.Path, s.config.BusyTimeout))
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &ConnectionError{Op: "open", Err: err}
	}

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return &ConnectionError{Op: "open", Err: err}
	}

	s.db = db
	s.installed = make(map[string]bool)
	s.stopCh = make(chan struct{})
	s.state.Store(int32(StateOpen))

	s.wg.Add(1)
	go s.expiryLoop(s.stopCh)

	log.Debug().Str("path", s.config.Path).Msg("SQLite store opened")
	return nil
}

// State reports whether the store is open
func (s *SQLite) State() ConnState {
	return ConnState(s.state.Load())
}

// DB returns the underlying handle, nil when closed
func (s *SQLite) DB() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Close stops the sweeper and closes the database. Closing twice is a no-op.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return nil
	}
	db := s.db
	stopCh := s.stopCh
	s.db = nil
	s.state.Store(int32(StateClosed))
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	log.Debug().Str("path", s.config.Path).Msg("SQLite store closed")
	return db.Close()
}

func (s *SQLite) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, &ConnectionError{Op: "query", Err: ErrClosed}
	}
	return s.db, nil
}

// Query runs text and materialises the result. With a registration, the
// registration insert and the query share one IMMEDIATE transaction: writes
// committed before it are in the result, writes after it fire the triggers.
func (s *SQLite) Query(ctx context.Context, text string, args []interface{}, sub *Subscription) (*RowSet, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var tables []string
	if sub != nil {
		names, err := s.tables.lookup(text)
		if err != nil {
			return nil, &QueryError{Query: text, Err: err}
		}
		tables, err = s.resolveTables(ctx, db, names)
		if err != nil {
			return nil, &QueryError{Query: text, Err: err}
		}
		if err := s.installTriggers(ctx, db, tables); err != nil {
			return nil, &QueryError{Query: text, Err: err}
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	if sub != nil {
		if err := s.register(ctx, tx, sub, tables); err != nil {
			return nil, &QueryError{Query: text, Err: err}
		}
	}

	rs, err := materialize(ctx, tx, text, args)
	if err != nil {
		return nil, &QueryError{Query: text, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ConnectionError{Op: "commit", Err: err}
	}

	if sub != nil {
		log.Debug().
			Str("token", sub.CorrelationToken).
			Str("queue", sub.QueueName).
			Strs("tables", tables).
			Int("rows", rs.Len()).
			Msg("Registered watched query")
	}

	return rs, nil
}

// resolveTables maps parsed names onto catalog tables. Names that are not in
// the catalog (CTEs) are skipped; views are rejected because triggers on them
// would not see writes to their base tables.
func (s *SQLite) resolveTables(ctx context.Context, db *sql.DB, names []string) ([]string, error) {
	resolved := make([]string, 0, len(names))

	for _, name := range names {
		if isInternalTable(name) {
			continue
		}

		query, args, err := s.dialect.From("sqlite_master").
			Select("name", "type").
			Where(goqu.L("name = ? COLLATE NOCASE", name)).
			Where(goqu.C("type").In("table", "view")).
			Prepared(true).
			ToSQL()
		if err != nil {
			return nil, err
		}

		var canonical, kind string
		err = db.QueryRowContext(ctx, query, args...).Scan(&canonical, &kind)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve table %s: %w", name, err)
		}
		if kind == "view" {
			return nil, fmt.Errorf("watching views is not supported: %s", canonical)
		}

		resolved = append(resolved, canonical)
	}

	if len(resolved) == 0 {
		return nil, fmt.Errorf("watched query does not read from any existing table")
	}

	return resolved, nil
}

func (s *SQLite) installTriggers(ctx context.Context, db *sql.DB, tables []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range tables {
		if s.installed[table] {
			continue
		}
		for _, stmt := range triggerStatements(table) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install notification trigger on %s: %w", table, err)
			}
		}
		s.installed[table] = true
		log.Debug().Str("table", table).Msg("Installed notification triggers")
	}

	return nil
}

func (s *SQLite) register(ctx context.Context, tx *sql.Tx, sub *Subscription, tables []string) error {
	now := time.Now()

	query, args, err := s.dialect.Insert(RegistrationsTable).
		Rows(goqu.Record{
			"correlation_token": sub.CorrelationToken,
			"service":           sub.ServiceEndpoint,
			"queue_name":        sub.QueueName,
			"options":           sub.Options,
			"timeout_seconds":   sub.TimeoutSeconds,
			"created_at":        now.UnixMilli(),
			"expires_at":        now.Add(sub.Timeout()).UnixMilli(),
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert registration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	rows := make([]interface{}, 0, len(tables))
	for _, table := range tables {
		rows = append(rows, goqu.Record{"registration_id": id, "table_name": table})
	}

	query, args, err = s.dialect.Insert(RegistrationTablesTable).Rows(rows...).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert registration tables: %w", err)
	}

	return nil
}

func materialize(ctx context.Context, tx *sql.Tx, text string, args []interface{}) (*RowSet, error) {
	rows, err := tx.QueryContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	rs := &RowSet{
		Columns: make([]Column, len(colTypes)),
		Rows:    make([]Row, 0),
	}
	for i, ct := range colTypes {
		rs.Columns[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	for rows.Next() {
		cells := make(Row, len(colTypes))
		ptrs := make([]interface{}, len(colTypes))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, cell := range cells {
			if b, ok := cell.([]byte); ok && !strings.EqualFold(rs.Columns[i].Type, "BLOB") {
				cells[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, cells)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return rs, nil
}

// ExpireRegistrations turns every registration whose timeout has passed into
// a timeout message on its queue and removes it. Returns how many expired.
func (s *SQLite) ExpireRegistrations(ctx context.Context, now time.Time) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	nowMs := now.UnixMilli()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ConnectionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (queue_name, message_type, conversation, body, enqueued_at)
		SELECT queue_name, ?, correlation_token, ?, ? FROM %s WHERE expires_at <= ?`,
		QueueTable, RegistrationsTable,
	), MessageTimeout, []byte(MessageTimeout), nowMs, nowMs)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue timeout messages: %w", err)
	}

	expired, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if expired == 0 {
		return 0, nil
	}

	query, args, err := s.dialect.Delete(RegistrationsTable).
		Where(goqu.C("expires_at").Lte(nowMs)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to delete expired registrations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE registration_id NOT IN (SELECT id FROM %s)`,
		RegistrationTablesTable, RegistrationsTable,
	)); err != nil {
		return 0, fmt.Errorf("failed to delete expired registration tables: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, &ConnectionError{Op: "commit", Err: err}
	}

	telemetry.ExpiredRegistrationsTotal.Add(float64(expired))
	return int(expired), nil
}

// Stats reports live registrations and undelivered queue messages
func (s *SQLite) Stats(ctx context.Context) (int, int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, 0, err
	}

	count := func(table string) (int, error) {
		query, _, err := s.dialect.From(table).Select(goqu.COUNT("*")).ToSQL()
		if err != nil {
			return 0, err
		}
		var n int
		if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return 0, err
		}
		return n, nil
	}

	registrations, err := count(RegistrationsTable)
	if err != nil {
		return 0, 0, err
	}
	queued, err := count(QueueTable)
	if err != nil {
		return 0, 0, err
	}

	return registrations, queued, nil
}

func (s *SQLite) expiryLoop(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.BusyTimeout)
			n, err := s.ExpireRegistrations(ctx, now)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to expire registrations")
				continue
			}
			if n > 0 {
				log.Debug().Int("expired", n).Msg("Registrations timed out")
			}
		}
	}
}

package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/sqlwatch/store"
	"github.com/rs/zerolog/log"
)

const defaultPollInterval = 50 * time.Millisecond

// SQLiteConfig configures a client of the store's queue table
type SQLiteConfig struct {
	Path         string
	BusyTimeout  time.Duration
	PollInterval time.Duration
	BatchMax     int
}

// SQLite receives destructively from the store's internal queue table.
// A receive takes every message available at that moment (up to BatchMax)
// and deletes them in the same transaction.
type SQLite struct {
	config  SQLiteConfig
	dialect goqu.DialectWrapper

	mu   sync.Mutex
	db   *sql.DB
	recv receiver
}

// NewSQLite creates a queue client over the database at config.Path
func NewSQLite(config SQLiteConfig) (*SQLite, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("sqlite queue path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.BatchMax <= 0 {
		config.BatchMax = defaultBatchMax
	}

	return &SQLite{
		config:  config,
		dialect: goqu.Dialect("sqlite3"),
	}, nil
}

func (q *SQLite) Open(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.db != nil {
		return nil
	}

	db, err := sql.Open(store.DriverName, store.DSN(q.config.Path, q.config.BusyTimeout))
	if err != nil {
		return &ConnectionError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &ConnectionError{Op: "open", Err: err}
	}
	if err := store.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return &ConnectionError{Op: "open", Err: err}
	}

	q.db = db
	q.recv.reset()
	log.Debug().Str("path", q.config.Path).Msg("SQLite queue opened")
	return nil
}

func (q *SQLite) State() store.ConnState {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return store.StateClosed
	}
	return store.StateOpen
}

func (q *SQLite) BeginReceive(queue string, timeout time.Duration) *Pending {
	if q.State() != store.StateOpen {
		ctx, cancel := context.WithTimeout(context.Background(), q.config.BusyTimeout)
		err := q.Open(ctx)
		cancel()
		if err != nil {
			return failedPending(queue, timeout, err)
		}
	}
	return q.recv.begin(queue, timeout, q.receive)
}

func (q *SQLite) EndReceive(p *Pending) (Batch, error) {
	return q.recv.end(p)
}

func (q *SQLite) Close() error {
	q.recv.close()

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil
	}
	err := q.db.Close()
	q.db = nil
	return err
}

func (q *SQLite) handle() (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.db == nil {
		return nil, &ConnectionError{Op: "receive", Err: ErrClosed}
	}
	return q.db, nil
}

func (q *SQLite) receive(ctx context.Context, queue string, timeout time.Duration) (Batch, error) {
	deadline := time.Now().Add(timeout)

	for {
		batch, err := q.TryReceive(ctx, queue, q.config.BatchMax)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		step := waitStep(deadline, q.config.PollInterval)
		if step <= 0 {
			return nil, &TimeoutError{Queue: queue, Timeout: timeout}
		}

		select {
		case <-time.After(step):
		case <-ctx.Done():
			return nil, &ConnectionError{Op: "receive", Err: ctx.Err()}
		}
	}
}

// TryReceive takes up to max messages without waiting. An empty queue name
// takes from every queue.
func (q *SQLite) TryReceive(ctx context.Context, queue string, max int) (Batch, error) {
	db, err := q.handle()
	if err != nil {
		return nil, err
	}

	sel := q.dialect.From(store.QueueTable).
		Select("id", "queue_name", "message_type", "conversation", "body", "enqueued_at").
		Order(goqu.C("id").Asc()).
		Limit(uint(max))
	if queue != "" {
		sel = sel.Where(goqu.C("queue_name").Eq(queue))
	}
	query, args, err := sel.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ConnectionError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ConnectionError{Op: "receive", Err: err}
	}

	var batch Batch
	var ids []int64
	for rows.Next() {
		var (
			id         int64
			msg        Message
			enqueuedAt int64
		)
		if err := rows.Scan(&id, &msg.Queue, &msg.Type, &msg.Conversation, &msg.Body, &enqueuedAt); err != nil {
			rows.Close()
			return nil, &ConnectionError{Op: "receive", Err: err}
		}
		msg.ID = strconv.FormatInt(id, 10)
		msg.EnqueuedAt = time.UnixMilli(enqueuedAt)
		batch = append(batch, msg)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &ConnectionError{Op: "receive", Err: err}
	}

	if len(ids) == 0 {
		return nil, nil
	}

	del, delArgs, err := q.dialect.Delete(store.QueueTable).
		Where(goqu.C("id").In(ids)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
		return nil, &ConnectionError{Op: "receive", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &ConnectionError{Op: "commit", Err: err}
	}

	return batch, nil
}

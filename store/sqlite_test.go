package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()

	s, err := NewSQLite(SQLiteConfig{
		Path:           filepath.Join(t.TempDir(), "watched.db"),
		ExpiryInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, customer TEXT, total REAL)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO orders (customer, total) VALUES ('ada', 10.5), ('bob', 3)`)
	require.NoError(t, err)

	return s
}

func testSubscription(timeout int) *Subscription {
	return NewSubscription(SubscriptionOptions{
		Service:        "svc",
		Queue:          "orders_changes",
		Database:       "main",
		TimeoutSeconds: timeout,
	})
}

type queuedMessage struct {
	queue        string
	messageType  string
	conversation string
}

func queued(t *testing.T, s *SQLite) []queuedMessage {
	t.Helper()

	rows, err := s.DB().Query(`SELECT queue_name, message_type, conversation FROM ` + QueueTable + ` ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	var out []queuedMessage
	for rows.Next() {
		var m queuedMessage
		require.NoError(t, rows.Scan(&m.queue, &m.messageType, &m.conversation))
		out = append(out, m)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLite_OpenIsLazyAndIdempotent(t *testing.T) {
	t.Parallel()

	s, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "lazy.db")})
	require.NoError(t, err)
	require.Equal(t, StateClosed, s.State())
	require.Nil(t, s.DB())

	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, StateOpen, s.State())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
}

func TestSQLite_QueryWithoutRegistration(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	rs, err := s.Query(context.Background(), "SELECT id, customer, total FROM orders ORDER BY id", nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())
	require.Equal(t, "id", rs.Columns[0].Name)
	require.Equal(t, "customer", rs.Columns[1].Name)
	require.Equal(t, int64(1), rs.Rows[0][0])
	require.Equal(t, "ada", rs.Rows[0][1])
	require.Equal(t, 10.5, rs.Rows[0][2])

	registrations, queuedCount, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, registrations)
	require.Zero(t, queuedCount)
}

func TestSQLite_QueryArgs(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	rs, err := s.Query(context.Background(), "SELECT customer FROM orders WHERE total > ?", []interface{}{5}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	require.Equal(t, "ada", rs.Rows[0][0])
}

func TestSQLite_EmptyResultHasColumns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	rs, err := s.Query(context.Background(), "SELECT id FROM orders WHERE total < 0", nil, testSubscription(30))
	require.NoError(t, err)
	require.Zero(t, rs.Len())
	require.NotNil(t, rs.Rows)
	require.Len(t, rs.Columns, 1)
}

func TestSQLite_WriteAfterRegistrationEnqueuesOneChange(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	sub := testSubscription(30)

	_, err := s.Query(context.Background(), "SELECT id, total FROM orders", nil, sub)
	require.NoError(t, err)

	registrations, _, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, registrations)

	_, err = s.DB().Exec(`UPDATE orders SET total = total + 1`)
	require.NoError(t, err)

	msgs := queued(t, s)
	require.Len(t, msgs, 1, "a multi-row write notifies once")
	require.Equal(t, "orders_changes", msgs[0].queue)
	require.Equal(t, MessageChange, msgs[0].messageType)
	require.Equal(t, sub.CorrelationToken, msgs[0].conversation)

	// One-shot: the registration is gone, later writes are silent
	_, err = s.DB().Exec(`DELETE FROM orders WHERE id = 1`)
	require.NoError(t, err)
	require.Len(t, queued(t, s), 1)

	registrations, _, err = s.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, registrations)
}

func TestSQLite_UnrelatedTableDoesNotNotify(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.DB().Exec(`CREATE TABLE audit (id INTEGER PRIMARY KEY, note TEXT)`)
	require.NoError(t, err)

	_, err = s.Query(context.Background(), "SELECT id FROM orders", nil, testSubscription(30))
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO audit (note) VALUES ('x')`)
	require.NoError(t, err)
	require.Empty(t, queued(t, s))
}

func TestSQLite_EachRegistrationNotified(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	first := testSubscription(30)
	second := testSubscription(30)

	_, err := s.Query(context.Background(), "SELECT id FROM orders", nil, first)
	require.NoError(t, err)
	_, err = s.Query(context.Background(), "SELECT total FROM orders", nil, second)
	require.NoError(t, err)

	_, err = s.DB().Exec(`INSERT INTO orders (customer, total) VALUES ('cy', 1)`)
	require.NoError(t, err)

	msgs := queued(t, s)
	require.Len(t, msgs, 2)
	tokens := []string{msgs[0].conversation, msgs[1].conversation}
	require.ElementsMatch(t, []string{first.CorrelationToken, second.CorrelationToken}, tokens)
}

func TestSQLite_ExpireRegistrations(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	sub := testSubscription(1)

	_, err := s.Query(context.Background(), "SELECT id FROM orders", nil, sub)
	require.NoError(t, err)

	n, err := s.ExpireRegistrations(context.Background(), time.Now())
	require.NoError(t, err)
	require.Zero(t, n, "registration has not timed out yet")

	n, err = s.ExpireRegistrations(context.Background(), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	msgs := queued(t, s)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageTimeout, msgs[0].messageType)
	require.Equal(t, sub.CorrelationToken, msgs[0].conversation)

	// Expired registrations no longer fire
	_, err = s.DB().Exec(`INSERT INTO orders (customer, total) VALUES ('cy', 1)`)
	require.NoError(t, err)
	require.Len(t, queued(t, s), 1)
}

func TestSQLite_ExpirySweeper(t *testing.T) {
	t.Parallel()

	s, err := NewSQLite(SQLiteConfig{
		Path:           filepath.Join(t.TempDir(), "sweep.db"),
		ExpiryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	_, err = s.DB().Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	_, err = s.Query(context.Background(), "SELECT id FROM t", nil, testSubscription(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := queued(t, s)
		return len(msgs) == 1 && msgs[0].messageType == MessageTimeout
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSQLite_RejectsViews(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.DB().Exec(`CREATE VIEW big_orders AS SELECT * FROM orders WHERE total > 5`)
	require.NoError(t, err)

	_, err = s.Query(context.Background(), "SELECT id FROM big_orders", nil, testSubscription(30))
	require.Error(t, err)
	require.True(t, IsQueryError(err))
}

func TestSQLite_CTENamesAreSkipped(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	rs, err := s.Query(context.Background(),
		"WITH big AS (SELECT id FROM orders WHERE total > 5) SELECT id FROM big",
		nil, testSubscription(30))
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())

	_, err = s.DB().Exec(`UPDATE orders SET total = 0`)
	require.NoError(t, err)
	require.Len(t, queued(t, s), 1)
}

func TestSQLite_FailedQueryLeavesNoRegistration(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)

	_, err := s.Query(context.Background(), "SELECT missing_column FROM orders", nil, testSubscription(30))
	require.Error(t, err)
	require.True(t, IsQueryError(err))

	registrations, _, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, registrations, "registration rolls back with the query")
}

func TestSQLite_QueryAfterClose(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Query(context.Background(), "SELECT id FROM orders", nil, nil)
	require.Error(t, err)
	require.True(t, IsConnectionError(err))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSQLite_BlobCellsStayBytes(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, err := s.DB().Exec(`CREATE TABLE files (id INTEGER PRIMARY KEY, data BLOB)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO files (data) VALUES (?)`, []byte{1, 2, 3})
	require.NoError(t, err)

	rs, err := s.Query(context.Background(), "SELECT data FROM files", nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, rs.Rows[0][0])
}

func TestDSN(t *testing.T) {
	t.Parallel()

	dsn := DSN("/tmp/a.db", 5*time.Second)
	require.Contains(t, dsn, "_txlock=immediate")
	require.Contains(t, dsn, "_busy_timeout=5000")
	require.Contains(t, dsn, "_journal_mode=WAL")

	mem := DSN("file::memory:?cache=shared", time.Second)
	require.NotContains(t, mem, "_journal_mode")
	require.Contains(t, mem, "?cache=shared&_txlock=immediate")
}

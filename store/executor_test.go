package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeStore struct {
	mu      sync.Mutex
	state   ConnState
	openErr error
	err     error
	rows    *RowSet
	subs    []*Subscription
	opens   int
}

func (f *fakeStore) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	f.state = StateOpen
	return nil
}

func (f *fakeStore) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeStore) Query(ctx context.Context, text string, args []interface{}, sub *Subscription) (*RowSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, sub)
	if f.err != nil {
		return nil, f.err
	}
	if f.rows != nil {
		return f.rows.Clone(), nil
	}
	return &RowSet{Rows: []Row{}}, nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateClosed
	return nil
}

var testOptions = SubscriptionOptions{
	Service:        "svc",
	Queue:          "q",
	Database:       "main",
	TimeoutSeconds: 30,
}

func TestNewExecutor_Validates(t *testing.T) {
	t.Parallel()

	_, err := NewExecutor(nil, "rows", testOptions)
	require.Error(t, err)

	_, err = NewExecutor(&fakeStore{}, "rows", SubscriptionOptions{TimeoutSeconds: 30})
	require.Error(t, err)

	_, err = NewExecutor(&fakeStore{}, "rows", SubscriptionOptions{Queue: "q"})
	require.Error(t, err)
}

func TestExecute_RegistersFreshSubscription(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{rows: &RowSet{Columns: []Column{{Name: "id"}}, Rows: []Row{{int64(1)}}}}
	ex, err := NewExecutor(fs, "orders", testOptions)
	require.NoError(t, err)

	cmd := NewCommand("SELECT id FROM orders")
	rs, sub, err := ex.Execute(context.Background(), cmd, true)
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, "orders", rs.Label)
	require.Equal(t, 1, rs.Len())

	require.Equal(t, 30, sub.TimeoutSeconds)
	require.Equal(t, "q", sub.QueueName)
	require.Equal(t, "svc", sub.ServiceEndpoint)
	require.Equal(t, "Service=svc;local database=main", sub.Options)
	require.Same(t, sub, cmd.Notification)
	require.Same(t, sub, fs.subs[0])
	require.Equal(t, 1, fs.opens, "store opened lazily")
}

func TestExecute_WithoutRegister(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	ex, err := NewExecutor(fs, "orders", testOptions)
	require.NoError(t, err)

	cmd := NewCommand("SELECT 1")
	_, sub, err := ex.Execute(context.Background(), cmd, false)
	require.NoError(t, err)
	require.Nil(t, sub)
	require.Nil(t, cmd.Notification)
	require.Nil(t, fs.subs[0])
}

func TestExecute_ClearsStaleRegistration(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	ex, err := NewExecutor(fs, "orders", testOptions)
	require.NoError(t, err)

	cmd := NewCommand("SELECT 1")
	_, first, err := ex.Execute(context.Background(), cmd, true)
	require.NoError(t, err)

	_, second, err := ex.Execute(context.Background(), cmd, true)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.NotEqual(t, first.CorrelationToken, second.CorrelationToken)

	_, third, err := ex.Execute(context.Background(), cmd, false)
	require.NoError(t, err)
	require.Nil(t, third)
	require.Nil(t, cmd.Notification, "a stale registration never survives into a plain fetch")
}

func TestExecute_OpenFailureIsConnectionError(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{openErr: errors.New("disk on fire")}
	ex, err := NewExecutor(fs, "orders", testOptions)
	require.NoError(t, err)

	cmd := NewCommand("SELECT 1")
	_, sub, err := ex.Execute(context.Background(), cmd, true)
	require.Error(t, err)
	require.Nil(t, sub)
	require.True(t, IsConnectionError(err))
	require.Nil(t, cmd.Notification)
}

func TestExecute_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		isConnection bool
	}{
		{"plain error becomes query error", errors.New("no such column"), false},
		{"query error passes through", &QueryError{Err: errors.New("syntax")}, false},
		{"connection error passes through", &ConnectionError{Op: "query", Err: ErrClosed}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{state: StateOpen, err: tc.err}
			ex, err := NewExecutor(fs, "orders", testOptions)
			require.NoError(t, err)

			cmd := NewCommand("SELECT 1")
			_, _, err = ex.Execute(context.Background(), cmd, true)
			require.Error(t, err)
			require.Equal(t, tc.isConnection, IsConnectionError(err))
			require.Equal(t, !tc.isConnection, IsQueryError(err))
			require.Nil(t, cmd.Notification)
		})
	}
}

func TestExecute_TokensNeverRepeat(t *testing.T) {
	fs := &fakeStore{state: StateOpen}
	ex, err := NewExecutor(fs, "orders", testOptions)
	require.NoError(t, err)

	seen := make(map[string]struct{})
	cmd := NewCommand("SELECT 1")

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 50).Draw(t, "fetches")
		for i := 0; i < n; i++ {
			_, sub, err := ex.Execute(context.Background(), cmd, true)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, dup := seen[sub.CorrelationToken]; dup {
				t.Fatalf("token %s issued twice", sub.CorrelationToken)
			}
			seen[sub.CorrelationToken] = struct{}{}
		}
	})
}

func TestRowSet_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	rs := &RowSet{
		Label:   "orders",
		Columns: []Column{{Name: "id"}, {Name: "data"}},
		Rows:    []Row{{int64(1), []byte("abc")}},
	}

	clone := rs.Clone()
	clone.Rows[0][0] = int64(2)
	clone.Rows[0][1].([]byte)[0] = 'z'
	clone.Columns[0].Name = "changed"

	require.Equal(t, int64(1), rs.Rows[0][0])
	require.Equal(t, []byte("abc"), rs.Rows[0][1])
	require.Equal(t, "id", rs.Columns[0].Name)
	require.Nil(t, (*RowSet)(nil).Clone())
	require.Zero(t, (*RowSet)(nil).Len())
}

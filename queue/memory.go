package queue

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/store"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	defaultMemoryQueueLength = 1024
	defaultBatchMax          = 100
)

// ErrQueueFull is returned by Send when a memory queue's buffer is full
var ErrQueueFull = errors.New("queue is full")

// Memory is an in-process queue client. Queues are created on first use.
type Memory struct {
	queues   *xsync.MapOf[string, chan Message]
	length   int
	batchMax int
	nextID   atomic.Uint64
	state    atomic.Int32
	recv     receiver
}

// NewMemory creates a memory client whose queues buffer length messages
func NewMemory(length, batchMax int) *Memory {
	if length <= 0 {
		length = defaultMemoryQueueLength
	}
	if batchMax <= 0 {
		batchMax = defaultBatchMax
	}
	return &Memory{
		queues:   xsync.NewMapOf[string, chan Message](),
		length:   length,
		batchMax: batchMax,
	}
}

func (m *Memory) queue(name string) chan Message {
	ch, _ := m.queues.LoadOrCompute(name, func() chan Message {
		return make(chan Message, m.length)
	})
	return ch
}

// Send enqueues a message without blocking. Missing ID and EnqueuedAt are filled in.
func (m *Memory) Send(queue string, msg Message) error {
	msg.Queue = queue
	if msg.ID == "" {
		msg.ID = strconv.FormatUint(m.nextID.Add(1), 10)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	select {
	case m.queue(queue) <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of buffered messages on queue
func (m *Memory) Len(queue string) int {
	ch, ok := m.queues.Load(queue)
	if !ok {
		return 0
	}
	return len(ch)
}

func (m *Memory) Open(ctx context.Context) error {
	m.recv.reset()
	m.state.Store(int32(store.StateOpen))
	return nil
}

func (m *Memory) State() store.ConnState {
	return store.ConnState(m.state.Load())
}

func (m *Memory) BeginReceive(queue string, timeout time.Duration) *Pending {
	if m.State() != store.StateOpen {
		m.Open(context.Background())
	}
	return m.recv.begin(queue, timeout, m.receive)
}

func (m *Memory) EndReceive(p *Pending) (Batch, error) {
	return m.recv.end(p)
}

func (m *Memory) Close() error {
	m.state.Store(int32(store.StateClosed))
	m.recv.close()
	return nil
}

func (m *Memory) receive(ctx context.Context, queue string, timeout time.Duration) (Batch, error) {
	ch := m.queue(queue)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first Message
	select {
	case first = <-ch:
	case <-timer.C:
		return nil, &TimeoutError{Queue: queue, Timeout: timeout}
	case <-ctx.Done():
		return nil, &ConnectionError{Op: "receive", Err: ctx.Err()}
	}

	batch := Batch{first}
	for len(batch) < m.batchMax {
		select {
		case msg := <-ch:
			batch = append(batch, msg)
		default:
			return batch, nil
		}
	}
	return batch, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/sqlwatch/store"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Headers carried by broker messages so a receive can rebuild a Message
const (
	HeaderID           = "Sqlwatch-Id"
	HeaderType         = "Sqlwatch-Type"
	HeaderConversation = "Sqlwatch-Conversation"
)

// Subject returns the broker subject (NATS) or topic (Kafka) of a queue
func Subject(prefix, queue string) string {
	if prefix == "" {
		return queue
	}
	return prefix + "." + queue
}

// NATSConfig configures the JetStream queue client
type NATSConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
	Durable       string
	BatchMax      int
}

// NATS receives from a JetStream stream through one durable pull consumer
// per queue. Delivered messages are acked once they are part of a batch.
type NATS struct {
	config    NATSConfig
	consumers *xsync.MapOf[string, jetstream.Consumer]

	mu   sync.Mutex
	nc   *nats.Conn
	js   jetstream.JetStream
	recv receiver
}

// NewNATS creates a JetStream queue client; it connects on Open
func NewNATS(config NATSConfig) (*NATS, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats queue requires a url")
	}
	if config.Stream == "" {
		return nil, fmt.Errorf("nats queue requires a stream name")
	}
	if config.Durable == "" {
		config.Durable = "sqlwatch"
	}
	if config.BatchMax <= 0 {
		config.BatchMax = defaultBatchMax
	}

	return &NATS{
		config:    config,
		consumers: xsync.NewMapOf[string, jetstream.Consumer](),
	}, nil
}

func (n *NATS) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.nc != nil {
		return nil
	}

	nc, err := nats.Connect(n.config.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return &ConnectionError{Op: "connect", Err: err}
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.config.Stream,
		Subjects:  []string{Subject(n.config.SubjectPrefix, ">")},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return &ConnectionError{Op: "ensure stream", Err: err}
	}

	n.nc = nc
	n.js = js
	n.recv.reset()

	log.Debug().Str("url", n.config.URL).Str("stream", n.config.Stream).Msg("NATS queue connected")
	return nil
}

func (n *NATS) State() store.ConnState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil || n.nc.IsClosed() {
		return store.StateClosed
	}
	return store.StateOpen
}

func (n *NATS) BeginReceive(queue string, timeout time.Duration) *Pending {
	if n.State() != store.StateOpen {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := n.Open(ctx)
		cancel()
		if err != nil {
			return failedPending(queue, timeout, err)
		}
	}
	return n.recv.begin(queue, timeout, n.receive)
}

func (n *NATS) EndReceive(p *Pending) (Batch, error) {
	return n.recv.end(p)
}

func (n *NATS) Close() error {
	n.mu.Lock()
	nc := n.nc
	n.nc = nil
	n.js = nil
	n.mu.Unlock()

	// Closing the connection ends any fetch still waiting on the server
	if nc != nil {
		nc.Close()
	}
	n.recv.close()
	n.consumers.Clear()
	return nil
}

// Send publishes msg onto queue's subject
func (n *NATS) Send(ctx context.Context, queue string, msg Message) error {
	n.mu.Lock()
	js := n.js
	n.mu.Unlock()
	if js == nil {
		return &ConnectionError{Op: "send", Err: ErrClosed}
	}

	_, err := js.PublishMsg(ctx, &nats.Msg{
		Subject: Subject(n.config.SubjectPrefix, queue),
		Data:    msg.Body,
		Header: nats.Header{
			HeaderID:           []string{msg.ID},
			HeaderType:         []string{msg.Type},
			HeaderConversation: []string{msg.Conversation},
		},
	})
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (n *NATS) consumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	if c, ok := n.consumers.Load(queue); ok {
		return c, nil
	}

	n.mu.Lock()
	js := n.js
	n.mu.Unlock()
	if js == nil {
		return nil, &ConnectionError{Op: "receive", Err: ErrClosed}
	}

	c, err := js.CreateOrUpdateConsumer(ctx, n.config.Stream, jetstream.ConsumerConfig{
		Durable:       durableName(n.config.Durable, queue),
		FilterSubject: Subject(n.config.SubjectPrefix, queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, &ConnectionError{Op: "create consumer", Err: err}
	}

	n.consumers.Store(queue, c)
	return c, nil
}

func (n *NATS) receive(ctx context.Context, queue string, timeout time.Duration) (Batch, error) {
	deadline := time.Now().Add(timeout)

	c, err := n.consumer(ctx, queue)
	if err != nil {
		return nil, err
	}

	// Wait for the first message only; the rest of the batch is whatever is
	// already available.
	first, err := c.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, &ConnectionError{Op: "fetch", Err: err}
	}

	batch, err := n.collect(ctx, queue, first)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		if time.Now().Before(deadline) && ctx.Err() == nil {
			if ferr := first.Error(); ferr != nil && !isFetchTimeout(ferr) {
				return nil, &ConnectionError{Op: "fetch", Err: ferr}
			}
		}
		return nil, &TimeoutError{Queue: queue, Timeout: timeout}
	}

	if n.config.BatchMax > 1 {
		rest, err := c.FetchNoWait(n.config.BatchMax - 1)
		if err == nil {
			more, err := n.collect(ctx, queue, rest)
			if err != nil {
				return nil, err
			}
			batch = append(batch, more...)
		}
	}

	return batch, nil
}

func (n *NATS) collect(ctx context.Context, queue string, mb jetstream.MessageBatch) (Batch, error) {
	var batch Batch
	msgs := mb.Messages()

	for {
		select {
		case <-ctx.Done():
			return nil, &ConnectionError{Op: "fetch", Err: ctx.Err()}
		case m, ok := <-msgs:
			if !ok {
				return batch, nil
			}

			msg := Message{
				ID:           m.Headers().Get(HeaderID),
				Queue:        queue,
				Type:         m.Headers().Get(HeaderType),
				Conversation: m.Headers().Get(HeaderConversation),
				Body:         m.Data(),
			}
			if meta, err := m.Metadata(); err == nil {
				msg.EnqueuedAt = meta.Timestamp
				if msg.ID == "" {
					msg.ID = strconv.FormatUint(meta.Sequence.Stream, 10)
				}
			}

			if err := m.Ack(); err != nil {
				log.Warn().Err(err).Str("queue", queue).Msg("Failed to ack message")
			}
			batch = append(batch, msg)
		}
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, jetstream.ErrNoMessages)
}

// durableName builds a consumer name; JetStream forbids . * > and whitespace
func durableName(prefix, queue string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return replacer.Replace(prefix + "_" + queue)
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/sqlwatch/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const defaultBatchLinger = 50 * time.Millisecond

// KafkaConfig configures the Kafka queue client
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
	BatchLinger time.Duration // How long to keep collecting after the first message
	BatchMax    int
}

// Kafka receives from one topic per queue in a consumer group. Offsets are
// committed once the batch has been collected.
type Kafka struct {
	config  KafkaConfig
	readers *xsync.MapOf[string, *kafka.Reader]

	mu     sync.Mutex
	open   bool
	writer *kafka.Writer
	recv   receiver
}

// NewKafka creates a Kafka queue client
func NewKafka(config KafkaConfig) (*Kafka, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka queue requires at least one broker")
	}
	if config.GroupID == "" {
		return nil, fmt.Errorf("kafka queue requires a consumer group")
	}
	if config.BatchLinger <= 0 {
		config.BatchLinger = defaultBatchLinger
	}
	if config.BatchMax <= 0 {
		config.BatchMax = defaultBatchMax
	}

	return &Kafka{
		config:  config,
		readers: xsync.NewMapOf[string, *kafka.Reader](),
	}, nil
}

// Open creates the writer; readers are created per queue on first receive
func (k *Kafka) Open(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.open {
		return nil
	}

	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(k.config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	k.open = true
	k.recv.reset()

	log.Debug().Strs("brokers", k.config.Brokers).Str("group", k.config.GroupID).Msg("Kafka queue opened")
	return nil
}

func (k *Kafka) State() store.ConnState {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.open {
		return store.StateClosed
	}
	return store.StateOpen
}

func (k *Kafka) BeginReceive(queue string, timeout time.Duration) *Pending {
	if k.State() != store.StateOpen {
		if err := k.Open(context.Background()); err != nil {
			return failedPending(queue, timeout, err)
		}
	}
	return k.recv.begin(queue, timeout, k.receive)
}

func (k *Kafka) EndReceive(p *Pending) (Batch, error) {
	return k.recv.end(p)
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	if !k.open {
		k.mu.Unlock()
		return nil
	}
	k.open = false
	writer := k.writer
	k.writer = nil
	k.mu.Unlock()

	k.recv.close()

	var errs []error
	k.readers.Range(func(queue string, r *kafka.Reader) bool {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader %s: %w", queue, err))
		}
		return true
	})
	k.readers.Clear()

	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send writes msg to queue's topic
func (k *Kafka) Send(ctx context.Context, queue string, msg Message) error {
	k.mu.Lock()
	writer := k.writer
	k.mu.Unlock()
	if writer == nil {
		return &ConnectionError{Op: "send", Err: ErrClosed}
	}

	err := writer.WriteMessages(ctx, kafka.Message{
		Topic: Subject(k.config.TopicPrefix, queue),
		Key:   []byte(msg.Conversation),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: HeaderID, Value: []byte(msg.ID)},
			{Key: HeaderType, Value: []byte(msg.Type)},
			{Key: HeaderConversation, Value: []byte(msg.Conversation)},
		},
	})
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

func (k *Kafka) reader(queue string) *kafka.Reader {
	r, _ := k.readers.LoadOrCompute(queue, func() *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  k.config.Brokers,
			GroupID:  k.config.GroupID,
			Topic:    Subject(k.config.TopicPrefix, queue),
			MinBytes: 1,
			MaxBytes: 1 << 20,
			MaxWait:  k.config.BatchLinger,
		})
	})
	return r
}

func (k *Kafka) receive(ctx context.Context, queue string, timeout time.Duration) (Batch, error) {
	r := k.reader(queue)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	first, err := r.FetchMessage(waitCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Queue: queue, Timeout: timeout}
		}
		return nil, &ConnectionError{Op: "fetch", Err: err}
	}

	fetched := []kafka.Message{first}
	lingerCtx, cancel := context.WithTimeout(ctx, k.config.BatchLinger)
	for len(fetched) < k.config.BatchMax {
		m, err := r.FetchMessage(lingerCtx)
		if err != nil {
			break
		}
		fetched = append(fetched, m)
	}
	cancel()

	if err := r.CommitMessages(ctx, fetched...); err != nil {
		return nil, &ConnectionError{Op: "commit", Err: err}
	}

	batch := make(Batch, 0, len(fetched))
	for _, m := range fetched {
		batch = append(batch, fromKafka(queue, m))
	}
	return batch, nil
}

func fromKafka(queue string, m kafka.Message) Message {
	msg := Message{
		ID:         fmt.Sprintf("%d-%d", m.Partition, m.Offset),
		Queue:      queue,
		Body:       m.Value,
		EnqueuedAt: m.Time,
	}
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderType:
			msg.Type = string(h.Value)
		case HeaderConversation:
			msg.Conversation = string(h.Value)
		}
	}
	return msg
}

package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/relay"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

const publishTimeout = 5 * time.Second

func init() {
	relay.RegisterSink("nats", func(config cfg.SinkConfiguration) (relay.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes relayed invalidations to JetStream
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	// Subjects already known to be captured by a stream
	bound *xsync.MapOf[string, bool]
}

func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, bound: xsync.NewMapOf[string, bool]()}, nil
}

// Publish sends msg to subject topic with the queue headers a JetStream
// receive reads back
func (n *NatsSink) Publish(topic string, msg queue.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	_, err := n.js.PublishMsg(ctx, &nats.Msg{
		Subject: topic,
		Data:    msg.Body,
		Header: nats.Header{
			queue.HeaderID:           []string{msg.ID},
			queue.HeaderType:         []string{msg.Type},
			queue.HeaderConversation: []string{msg.Conversation},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// ensureStream creates a stream for the subject's prefix unless one already
// captures it, e.g. the stream a JetStream queue client created
func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	if _, ok := n.bound.Load(topic); ok {
		return nil
	}

	_, err := n.js.StreamNameBySubject(ctx, topic)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		subjects := topic
		if i := strings.LastIndexByte(topic, '.'); i > 0 {
			subjects = topic[:i] + ".>"
		}
		_, err = n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      sanitizeStreamName(topic),
			Subjects:  []string{subjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    24 * time.Hour,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to ensure stream for %s: %w", topic, err)
	}

	n.bound.Store(topic, true)
	return nil
}

func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName derives a stream name from the subject prefix.
// Stream names can't contain ".", "*", ">" or whitespace.
func sanitizeStreamName(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i > 0 {
		topic = topic[:i]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.ToUpper(topic))
}

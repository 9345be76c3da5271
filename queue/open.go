package queue

import (
	"fmt"
	"time"

	"github.com/maxpert/sqlwatch/cfg"
)

// Open builds the queue client selected by c.Queue.Type. Connections are made
// lazily by the first receive.
func Open(c *cfg.Configuration) (Client, error) {
	batchMax := c.Store.QueueReceiveBatchMax

	switch c.Queue.Type {
	case cfg.QueueSQLite, "":
		return NewSQLite(SQLiteConfig{
			Path:         c.Store.Path,
			BusyTimeout:  time.Duration(c.Store.BusyTimeoutMS) * time.Millisecond,
			PollInterval: time.Duration(c.Store.QueuePollIntervalMS) * time.Millisecond,
			BatchMax:     batchMax,
		})
	case cfg.QueueNATS:
		return NewNATS(NATSConfig{
			URL:           c.Queue.NATS.URL,
			Stream:        c.Queue.NATS.Stream,
			SubjectPrefix: c.Queue.NATS.SubjectPrefix,
			Durable:       c.Queue.NATS.Durable,
			BatchMax:      batchMax,
		})
	case cfg.QueueKafka:
		return NewKafka(KafkaConfig{
			Brokers:     c.Queue.Kafka.Brokers,
			TopicPrefix: c.Queue.Kafka.TopicPrefix,
			GroupID:     c.Queue.Kafka.GroupID,
			BatchLinger: time.Duration(c.Queue.Kafka.BatchLingerMS) * time.Millisecond,
			BatchMax:    batchMax,
		})
	case cfg.QueueMemory:
		return NewMemory(0, batchMax), nil
	default:
		return nil, fmt.Errorf("unknown queue type: %s", c.Queue.Type)
	}
}

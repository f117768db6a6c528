// Package export mirrors accepted chat messages to a kafka topic.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/segmentio/kafka-go"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/metrics"
)

//go:generate mockgen -destination=mock/kafka.go -package=mock_export . IKafkaWriter

const (
	DefaultMaxBytes     = 4096
	DefaultWriteTimeout = 3 * time.Second
	DefaultQueueSize    = 256
)

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string

	// messages larger than MaxBytes once encoded are dropped.
	MaxBytes     int
	WriteTimeout time.Duration
	QueueSize    int
}

func (c *Config) setDefaults() {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Sink writes messages to kafka from a background goroutine, keyed by conversation id
// so one conversation stays in one partition. Failures are logged and counted only.
type Sink struct {
	sync.RWMutex

	conf   Config
	writer IKafkaWriter
	queue  chan *chat.Message
	closed bool
	done   chan struct{}
}

// NewSink creates a sink writing to conf.Topic on conf.Brokers.
func NewSink(conf Config) *Sink {
	conf.setDefaults()
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  conf.Brokers,
		Topic:    conf.Topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   conf.WriteTimeout,
			DualStack: true,
		},
	})
	return NewSinkWithWriter(w, conf)
}

func NewSinkWithWriter(w IKafkaWriter, conf Config) *Sink {
	conf.setDefaults()
	s := &Sink{
		conf:   conf,
		writer: w,
		queue:  make(chan *chat.Message, conf.QueueSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Export queues m. It never blocks: when the queue is full m is dropped.
func (s *Sink) Export(m *chat.Message) {
	s.RLock()
	defer s.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- m:
	default:
		glog.Warningf("export: queue full, drop message %s", m.Key())
		metrics.ExportTotal.WithLabelValues("dropped").Inc()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for m := range s.queue {
		err := saveMessage(s.writer, m, s.conf.MaxBytes, s.conf.WriteTimeout)
		if err != nil {
			glog.Errorf("export: %v", err)
		}
		metrics.ExportTotal.WithLabelValues(metrics.Result(err)).Inc()
	}
}

// Close writes the queued messages and closes the kafka writer.
func (s *Sink) Close() error {
	s.Lock()
	if s.closed {
		s.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.Unlock()

	<-s.done
	return s.writer.Close()
}

func saveMessage(w IKafkaWriter, m *chat.Message, limit int, timeout time.Duration) error {
	value, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("error marshal message %s: %v", m.Key(), err)
	}
	if len(value) > limit {
		return fmt.Errorf("message %s exceeds max limit: %d bytes", m.Key(), limit)
	}

	km := kafka.Message{
		Key:   []byte(m.ConversationID),
		Value: value,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

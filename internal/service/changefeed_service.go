package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/classad"
	"github.com/devrev/pairdb/adstore/internal/metrics"
	"github.com/devrev/pairdb/adstore/internal/model"
)

// Producer is the part of *kgo.Client used by the change feed.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// ChangeFeedConfig holds change feed configuration
type ChangeFeedConfig struct {
	NodeID       string
	Brokers      []string
	Topic        string
	FlushTimeout time.Duration
}

// ChangeEvent is the JSON document published for every committed change.
type ChangeEvent struct {
	NodeID    string           `json:"node_id"`
	Kind      model.ChangeKind `json:"kind"`
	Op        string           `json:"op"`
	Key       string           `json:"key"`
	Ad        classad.Ad       `json:"ad,omitempty"`
	Batch     uint64           `json:"batch"`
	Timestamp time.Time        `json:"timestamp"`
}

// ChangeFeedService publishes committed changes to Kafka. Changes of one
// transaction share a batch number. Publishing is asynchronous and never
// blocks or fails the store operation that produced the change.
type ChangeFeedService struct {
	config   *ChangeFeedConfig
	producer Producer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	batch     uint64
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaProducer creates a franz-go client that produces to cfg.Topic.
func NewKafkaProducer(cfg *ChangeFeedConfig, logger *zap.Logger) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("change feed requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("change feed topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("adstore-"+cfg.NodeID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.RecordRetries(5),
		kgo.WithLogger(&kafkaLogger{logger: logger.Sugar()}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return client, nil
}

// NewChangeFeedService creates a change feed over producer
func NewChangeFeedService(cfg *ChangeFeedConfig, producer Producer, m *metrics.Metrics, logger *zap.Logger) *ChangeFeedService {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	return &ChangeFeedService{
		config:   cfg,
		producer: producer,
		metrics:  m,
		logger:   logger,
	}
}

// OnChanges publishes one record per change, keyed by the record key.
func (s *ChangeFeedService) OnChanges(changes []model.Change) {
	s.batch++
	now := time.Now()
	for _, change := range changes {
		value, err := json.Marshal(ChangeEvent{
			NodeID:    s.config.NodeID,
			Kind:      change.Kind,
			Op:        change.Op.String(),
			Key:       change.Key,
			Ad:        change.Ad,
			Batch:     s.batch,
			Timestamp: now,
		})
		if err != nil {
			s.failed.Add(1)
			s.metrics.RecordChangeFeedPublish(err)
			s.logger.Warn("Failed to encode change event",
				zap.String("key", change.Key),
				zap.Error(err))
			continue
		}

		record := &kgo.Record{
			Topic: s.config.Topic,
			Key:   []byte(change.Key),
			Value: value,
		}
		s.producer.Produce(context.Background(), record, s.onProduced)
	}
}

func (s *ChangeFeedService) onProduced(r *kgo.Record, err error) {
	s.metrics.RecordChangeFeedPublish(err)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("Failed to publish change event",
			zap.String("key", string(r.Key)),
			zap.Error(err))
		return
	}
	s.published.Add(1)
}

// Published returns the number of events acknowledged by the broker.
func (s *ChangeFeedService) Published() uint64 {
	return s.published.Load()
}

// Failed returns the number of events that could not be published.
func (s *ChangeFeedService) Failed() uint64 {
	return s.failed.Load()
}

// Close flushes buffered events and closes the producer.
func (s *ChangeFeedService) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.FlushTimeout)
	defer cancel()

	err := s.producer.Flush(ctx)
	s.producer.Close()
	if err != nil {
		return fmt.Errorf("failed to flush change feed: %w", err)
	}
	s.logger.Info("Closed change feed",
		zap.Uint64("published", s.Published()),
		zap.Uint64("failed", s.Failed()))
	return nil
}

// kafkaLogger routes franz-go client logs to zap.
type kafkaLogger struct {
	logger *zap.SugaredLogger
}

func (l *kafkaLogger) Level() kgo.LogLevel {
	return kgo.LogLevelWarn
}

func (l *kafkaLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.logger.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.logger.Infow(msg, keyvals...)
	default:
		l.logger.Debugw(msg, keyvals...)
	}
}

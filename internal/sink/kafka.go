// Package sink delivers alerts to the external alert sink. The Kafka
// publisher is synchronous with retries; the Emitter in front of it keeps
// the evaluation hot path from ever waiting on a sink write.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Publisher errors
var (
	ErrSinkClosed      = errors.New("sink is closed")
	ErrSerializeFailed = errors.New("failed to serialize alert")
)

// Publisher delivers one alert to the sink
type Publisher interface {
	Publish(ctx context.Context, alert *models.Alert) error
	Close() error
}

// Kafka publishes alerts to the alerts topic with a pooled writer and
// exponential backoff retry
type Kafka struct {
	cfg     config.ProducerConfig
	topic   string
	writers []*kafka.Writer
	pool    chan *kafka.Writer
	closed  atomic.Bool

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafka creates a Kafka alert publisher
func NewKafka(brokers []string, topic string, cfg config.ProducerConfig) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	k := &Kafka{
		cfg:     cfg,
		topic:   topic,
		writers: make([]*kafka.Writer, cfg.PoolSize),
		pool:    make(chan *kafka.Writer, cfg.PoolSize),
	}

	compression := getCompression(cfg.Compression)
	for i := 0; i < cfg.PoolSize; i++ {
		writer := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // partition by service
			WriteTimeout: cfg.WriteTimeout,
			RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:  compression,
			MaxAttempts:  cfg.MaxRetries + 1,
			Async:        false, // sync for reliability
		}
		k.writers[i] = writer
		k.pool <- writer
	}

	return k, nil
}

// getCompression returns the kafka compression codec
func getCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Gzip
	case "snappy":
		return compress.Snappy
	case "lz4":
		return compress.Lz4
	case "zstd":
		return compress.Zstd
	default:
		return compress.None
	}
}

// Publish sends one alert, keyed by service so downstream consumers see a
// service's alerts in order
func (k *Kafka) Publish(ctx context.Context, alert *models.Alert) error {
	if k.closed.Load() {
		return ErrSinkClosed
	}

	data, err := json.Marshal(alert)
	if err != nil {
		k.failed.Add(1)
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.Service),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
			{Key: "rule_id", Value: []byte(alert.RuleID)},
			{Key: "severity", Value: []byte(alert.Severity)},
			{Key: "state", Value: []byte(alert.State)},
		},
		Time: time.Unix(alert.Timestamp, 0),
	}

	var writer *kafka.Writer
	select {
	case writer = <-k.pool:
		defer func() { k.pool <- writer }()
	case <-ctx.Done():
		k.failed.Add(1)
		return ctx.Err()
	}

	start := time.Now()
	err = k.publishWithRetry(ctx, writer, msg)
	metrics.SinkPublishDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		k.failed.Add(1)
		metrics.SinkPublishTotal.WithLabelValues("failed").Inc()
		return err
	}

	k.published.Add(1)
	metrics.SinkPublishTotal.WithLabelValues("success").Inc()
	return nil
}

// publishWithRetry publishes a message with exponential backoff
func (k *Kafka) publishWithRetry(ctx context.Context, writer *kafka.Writer, msg kafka.Message) error {
	log := logger.WithComponent("alert_sink")
	var lastErr error
	backoff := k.cfg.RetryBackoff

	for attempt := 0; attempt <= k.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying alert publish")

			metrics.SinkPublishRetries.Inc()

			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := writer.WriteMessages(ctx, msg)
		if err == nil {
			return nil
		}

		lastErr = err
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Msg("alert publish attempt failed")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", k.cfg.MaxRetries+1, lastErr)
}

// Close closes all writers in the pool
func (k *Kafka) Close() error {
	if k.closed.Swap(true) {
		return nil
	}

	var errs []error
	for _, writer := range k.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing writers: %v", errs)
	}
	return nil
}

// HealthCheck verifies the publisher is usable
func (k *Kafka) HealthCheck(ctx context.Context) error {
	if k.closed.Load() {
		return ErrSinkClosed
	}

	var writer *kafka.Writer
	select {
	case writer = <-k.pool:
		defer func() { k.pool <- writer }()
	case <-ctx.Done():
		return ctx.Err()
	}

	_ = writer.Stats()
	return nil
}

// Stats returns publisher counters
func (k *Kafka) Stats() PublisherStats {
	return PublisherStats{
		Published: k.published.Load(),
		Failed:    k.failed.Load(),
	}
}

// PublisherStats holds publisher metrics
type PublisherStats struct {
	Published uint64
	Failed    uint64
}

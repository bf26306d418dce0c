// Package kafka consumes service telemetry events from the partitioned log
// and feeds them to the dispatcher.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/dispatch"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

// Consumer reads events from the events topic and dispatches them. A full
// partition queue blocks the read loop, which is the backpressure signal to
// the broker; events are never dropped on this path.
type Consumer struct {
	reader     *kafka.Reader
	dispatcher *dispatch.Dispatcher
	wg         sync.WaitGroup

	consumed  atomic.Uint64
	malformed atomic.Uint64
}

// NewConsumer creates a consumer-group reader for the events topic
func NewConsumer(cfg config.KafkaConfig, dispatcher *dispatch.Dispatcher) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.EventsTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: cfg.CommitInterval,
	})

	return &Consumer{
		reader:     reader,
		dispatcher: dispatcher,
	}
}

// Start begins the consume loop in the background
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	log := logger.WithComponent("event_consumer")
	log.Info().
		Str("topic", c.reader.Config().Topic).
		Str("group_id", c.reader.Config().GroupID).
		Msg("event consumer started")
	defer log.Info().Msg("event consumer stopped")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Msg("failed to read event")
			continue
		}

		var ev models.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.malformed.Add(1)
			metrics.EventsConsumedTotal.WithLabelValues("kafka", "malformed").Inc()
			log.Warn().
				Err(err).
				Str("key", string(msg.Key)).
				Int64("offset", msg.Offset).
				Msg("skipping malformed event payload")
			continue
		}

		ev.Normalize()
		if err := ev.Validate(); err != nil {
			c.malformed.Add(1)
			metrics.EventsConsumedTotal.WithLabelValues("kafka", "rejected").Inc()
			log.Warn().
				Err(err).
				Str("service", ev.Service).
				Int64("offset", msg.Offset).
				Msg("skipping invalid event")
			continue
		}

		if err := c.dispatcher.Dispatch(ctx, &ev); err != nil {
			// only a cancelled context gets here; the event is lost with
			// the uncommitted offset and redelivered on restart
			metrics.EventsDroppedTotal.WithLabelValues("shutdown").Inc()
			return
		}

		c.consumed.Add(1)
		metrics.EventsConsumedTotal.WithLabelValues("kafka", "accepted").Inc()
	}
}

// Stop closes the reader and waits for the consume loop
func (c *Consumer) Stop() error {
	err := c.reader.Close()
	c.wg.Wait()
	return err
}

// Stats returns consumer counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:  c.consumed.Load(),
		Malformed: c.malformed.Load(),
	}
}

// Stats holds consumer metrics
type Stats struct {
	Consumed  uint64
	Malformed uint64
}

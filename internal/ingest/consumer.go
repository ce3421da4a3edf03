// README: Batches location pings off the stream into the tracker.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/config"
	"supportcarr/internal/metrics"
	"supportcarr/internal/modules/tracking"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Sink interface {
	BatchIngest(ctx context.Context, updates []tracking.Update) []tracking.IngestResult
}

type Consumer struct {
	reader     MessageReader
	sink       Sink
	log        logrus.FieldLogger
	batchSize  int
	flushEvery time.Duration
	backoff    time.Duration

	pending []kafka.Message
	updates []tracking.Update
}

func NewConsumer(reader MessageReader, sink Sink, cfg config.KafkaConfig, log logrus.FieldLogger) *Consumer {
	c := &Consumer{
		reader:     reader,
		sink:       sink,
		log:        log,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushEvery,
		backoff:    time.Second,
	}
	if c.batchSize <= 0 {
		c.batchSize = 100
	}
	if c.flushEvery <= 0 {
		c.flushEvery = time.Second
	}
	return c
}

// Run consumes until ctx is cancelled. A batch is flushed when it is full or
// when no message arrived within the flush interval; offsets are committed
// only after the tracker has seen the batch.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	const maxBackoff = 30 * time.Second
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.flushEvery)
		m, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				c.flush(context.Background())
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				c.flush(ctx)
				continue
			}
			c.log.WithError(err).WithField("backoff", backoff).Warn("kafka fetch failed")
			select {
			case <-ctx.Done():
				c.flush(context.Background())
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = c.backoff
		c.add(m)
		if len(c.pending) >= c.batchSize {
			c.flush(ctx)
		}
	}
}

func (c *Consumer) add(m kafka.Message) {
	c.pending = append(c.pending, m)
	var u tracking.Update
	if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
		metrics.IngestMessages.WithLabelValues("invalid").Inc()
		c.log.WithField("offset", m.Offset).Warn("dropping malformed location message")
		return
	}
	if u.At.IsZero() && !m.Time.IsZero() {
		u.At = m.Time
	}
	c.updates = append(c.updates, u)
}

func (c *Consumer) flush(ctx context.Context) {
	if len(c.pending) == 0 {
		return
	}
	if len(c.updates) > 0 {
		failed := 0
		for _, res := range c.sink.BatchIngest(ctx, c.updates) {
			if res.Err != nil {
				failed++
				c.log.WithError(res.Err).WithField("driver_id", res.DriverID).Warn("location update rejected")
			}
		}
		metrics.IngestMessages.WithLabelValues("rejected").Add(float64(failed))
		metrics.IngestMessages.WithLabelValues("applied").Add(float64(len(c.updates) - failed))
	}
	if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
		c.log.WithError(err).Warn("kafka commit failed")
	}
	c.log.WithFields(logrus.Fields{"messages": len(c.pending), "updates": len(c.updates)}).Debug("location batch flushed")
	c.pending = c.pending[:0]
	c.updates = c.updates[:0]
}

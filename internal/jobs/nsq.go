// README: NSQ-backed scheduler. One topic per job type; the worker consumes with exponential requeue backoff.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/sirupsen/logrus"

	"supportcarr/internal/metrics"
)

// Producer publishes jobs asynchronously. Delivery failures surface on the
// done channel and are logged.
type Producer struct {
	producer *nsq.Producer
	done     chan *nsq.ProducerTransaction
	log      logrus.FieldLogger
}

func NewProducer(address string, log logrus.FieldLogger) (*Producer, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping NSQ daemon: %w", err)
	}
	p := &Producer{producer: producer, done: make(chan *nsq.ProducerTransaction, 256), log: log}
	go p.drain()
	return p, nil
}

func (p *Producer) drain() {
	for t := range p.done {
		if t.Error == nil {
			continue
		}
		jobType := ""
		if len(t.Args) > 0 {
			jobType, _ = t.Args[0].(string)
		}
		metrics.JobPublishFailures.WithLabelValues(jobType).Inc()
		p.log.WithError(t.Error).WithField("job_type", jobType).Warn("nsq publish failed")
	}
}

func (p *Producer) Enqueue(_ context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return p.producer.PublishAsync(string(job.Type), body, p.done, string(job.Type))
}

// Stop flushes in-flight publishes and stops the producer.
func (p *Producer) Stop() {
	p.producer.Stop()
	close(p.done)
}

// Consumer feeds one NSQ topic into a Dispatcher.
type Consumer struct {
	consumer *nsq.Consumer
}

// NewConsumer subscribes to the job type's topic on channel. Failed jobs are
// requeued with a delay doubling per attempt until the job's retry policy
// (or maxAttempts) is exhausted.
func NewConsumer(t Type, channel string, maxAttempts uint16, d *Dispatcher, log logrus.FieldLogger) (*Consumer, error) {
	cfg := nsq.NewConfig()
	cfg.MaxAttempts = maxAttempts
	cfg.MaxBackoffDuration = 5 * time.Minute

	consumer, err := nsq.NewConsumer(string(t), channel, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create NSQ consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger{log}, nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		return handleMessage(d, log, msg.Body, msg.Attempts, func(delay time.Duration) {
			msg.DisableAutoResponse()
			msg.Requeue(delay)
		})
	}))
	return &Consumer{consumer: consumer}, nil
}

// handleMessage decodes and dispatches one delivery. requeue is invoked when
// the job should be retried.
func handleMessage(d *Dispatcher, log logrus.FieldLogger, body []byte, attempts uint16, requeue func(time.Duration)) error {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		log.WithError(err).Warn("dropping undecodable job")
		return nil
	}
	err := d.Dispatch(context.Background(), job)
	if err == nil {
		return nil
	}
	limit := job.Retry.MaxAttempts
	if limit > 0 && attempts >= limit {
		log.WithError(err).WithFields(logrus.Fields{"job_type": job.Type, "attempts": attempts}).Error("job retries exhausted")
		return nil
	}
	requeue(Backoff(job.Retry.InitialBackoff, attempts))
	return nil
}

// Backoff is initial * 2^(attempt-1), capped at five minutes.
func Backoff(initial time.Duration, attempt uint16) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	const maxDelay = 5 * time.Minute
	d := initial
	for i := uint16(1); i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

func (c *Consumer) Connect(nsqdAddr string) error {
	if err := c.consumer.ConnectToNSQD(nsqdAddr); err != nil {
		return fmt.Errorf("failed to connect to NSQ daemon: %w", err)
	}
	return nil
}

func (c *Consumer) Stop() {
	c.consumer.Stop()
	<-c.consumer.StopChan
}

type nsqLogger struct{ log logrus.FieldLogger }

func (l nsqLogger) Output(_ int, s string) error {
	l.log.WithField("component", "nsq").Warn(s)
	return nil
}

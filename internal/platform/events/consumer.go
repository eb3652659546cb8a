// Package events consumes document-processed events from Kafka and feeds
// them into the summary merge.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/ehr/summary/internal/domain/summary"
	"github.com/ehr/summary/internal/platform/metrics"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor is satisfied by *summary.Service.
type Processor interface {
	ProcessDocument(ctx context.Context, ev summary.DocumentProcessed) (*summary.Result, error)
}

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// Consumer processes one message at a time and commits its offset only once
// the message is settled: merged, a duplicate, or permanently rejected. A
// retryable failure is retried in place with backoff, so a partition never
// skips past an event that could still be merged.
type Consumer struct {
	reader     messageReader
	proc       Processor
	logger     zerolog.Logger
	metrics    *metrics.Collector
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(reader messageReader, proc Processor, logger zerolog.Logger, m *metrics.Collector) *Consumer {
	return &Consumer{
		reader:     reader,
		proc:       proc,
		logger:     logger.With().Str("component", "document-consumer").Logger(),
		metrics:    m,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info().Msg("document consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).Msg("fetch message failed")
			if !sleep(ctx, c.minBackoff) {
				return nil
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit failed, message may be redelivered")
		}
	}
}

// handle processes msg until it is settled. It returns false only when ctx
// was cancelled first, in which case the message must not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	ev, err := summary.ParseDocumentProcessed(msg.Value)
	if err != nil {
		log.Error().Err(err).Msg("dropping malformed document event")
		c.metrics.IncEvent("malformed")
		return true
	}
	log = log.With().Str("patient_id", ev.PatientID.String()).Str("document_id", ev.DocumentID.String()).Logger()

	backoff := c.minBackoff
	for {
		res, err := c.proc.ProcessDocument(ctx, ev)
		switch {
		case err == nil && res.Report.Duplicate:
			c.metrics.IncEvent("duplicate")
			log.Debug().Msg("document already merged")
			return true
		case err == nil:
			c.metrics.IncEvent("merged")
			log.Info().Int("version", res.Summary.Version).Msg("document merged")
			return true
		case summary.IsPermanent(err):
			c.metrics.IncEvent("rejected")
			log.Error().Err(err).Msg("document event rejected")
			return true
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return false
		}

		c.metrics.IncEvent("retry")
		log.Warn().Err(err).Dur("backoff", backoff).Msg("merge failed, retrying")
		if !sleep(ctx, backoff) {
			return false
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

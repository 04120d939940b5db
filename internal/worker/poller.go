package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"imageflow/internal/config"
	"imageflow/internal/queue"
	"imageflow/internal/telemetry"
)

// BatchHandler consumes one batch of queue deliveries.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, deliveries []queue.Delivery) error
}

// Poller drives the worker loop: reclaim expired leases, report queue depth,
// dequeue a batch, hand it to the handler, and ack only on success. Failed
// batches are never acked, so the queue redelivers them after the visibility
// timeout expires.
type Poller struct {
	cfg     config.QueueConfig
	queue   *queue.Queue
	handler BatchHandler
	logger  zerolog.Logger
}

func NewPoller(cfg config.QueueConfig, q *queue.Queue, handler BatchHandler, logger zerolog.Logger) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Poller{
		cfg:     cfg,
		queue:   q,
		handler: handler,
		logger:  logger.With().Str("component", "worker").Logger(),
	}
}

// Run polls until context cancellation.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.logger.Warn().Err(err).Msg("requeue expired failed")
		} else if reclaimed > 0 {
			p.logger.Info().Int("count", reclaimed).Msg("requeued expired deliveries")
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		deliveries, err := p.queue.Dequeue(ctx, p.cfg.BatchSize)
		if err != nil {
			p.logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if len(deliveries) == 0 {
			p.sleep(ctx)
			continue
		}

		if err := p.handler.ProcessBatch(ctx, deliveries); err != nil {
			// Leave the batch in flight; it redelivers after the lease lapses.
			p.logger.Error().Err(err).Int("batch", len(deliveries)).Msg("batch failed")
			continue
		}
		for _, d := range deliveries {
			if err := p.queue.Ack(ctx, d); err != nil {
				p.logger.Warn().Err(err).Str("message_id", d.MessageID).Msg("ack failed")
			}
		}
	}
}

func (p *Poller) sleep(ctx context.Context) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package orders

import (
	"context"
	"time"

	"github.com/safar/storefront-fulfilment/internal/events"
	"github.com/safar/storefront-fulfilment/internal/metrics"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

type SweeperConfig struct {
	// OrphanTTL is how long a pending order may wait for its payment intent.
	OrphanTTL time.Duration
	// StockLease is how long a paid order may owe its stock before another
	// process takes over applying it.
	StockLease time.Duration
	Interval   time.Duration
}

// Sweeper cancels orders that were persisted but never got a payment intent
// because the gateway call failed. Nobody can pay for them. It also finishes
// stock application for paid orders whose paying process went away.
type Sweeper struct {
	store      Store
	resumer    StockResumer
	ttl        time.Duration
	stockLease time.Duration
	interval   time.Duration
	publisher  events.Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(store Store, resumer StockResumer, cfg SweeperConfig, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		resumer:    resumer,
		ttl:        cfg.OrphanTTL,
		stockLease: cfg.StockLease,
		interval:   cfg.Interval,
		publisher:  publisher,
		metrics:    m,
		logger:     logger.Named("sweeper"),
		now:        time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep orphan orders", zap.Error(err))
			}
			if _, err := s.ResumeOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("resume stalled stock", zap.Error(err))
			}
		}
	}
}

// SweepOnce cancels orphans in batches until none are left and returns how
// many it cancelled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	total := 0

	for {
		ids, err := s.store.CancelOrphans(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return total, err
		}
		total += len(ids)
		s.metrics.OrphansCancelled.Add(float64(len(ids)))

		for _, id := range ids {
			order, err := s.store.GetOrder(ctx, id)
			if err != nil {
				s.logger.Warn("load cancelled orphan", zap.Int64("order_id", id), zap.Error(err))
				continue
			}
			if err := s.publisher.Publish(ctx, events.OrderEvent(events.TypeOrderCancelled, order)); err != nil {
				s.logger.Warn("publish event", zap.String("type", events.TypeOrderCancelled), zap.Error(err))
			}
		}

		if len(ids) < sweepBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("cancelled orphan orders", zap.Int("count", total))
	}
	return total, nil
}

// ResumeOnce hands paid orders whose stock has been owed for longer than the
// lease to the resumer, in batches, and returns how many it resumed.
func (s *Sweeper) ResumeOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.stockLease)
	total := 0

	for {
		n, err := s.resumer.ResumeStock(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n < sweepBatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Warn("resumed stock for paid orders", zap.Int("count", total))
	}
	return total, nil
}

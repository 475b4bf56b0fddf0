package worker

import (
	"context"
	"time"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

// ClaimSource is the tracker slice the poller claims from.
type ClaimSource interface {
	ClaimNext(ctx context.Context) (*domain.Order, error)
}

// Poller is the single-threaded loop that drains the queue into the
// pool. It never blocks on anything but the claim call and its own
// sleep, and it stops claiming the moment ctx is cancelled.
type Poller struct {
	tracker  ClaimSource
	pool     *Pool
	interval time.Duration
}

// NewPoller creates a poller ticking at the given interval.
func NewPoller(tracker ClaimSource, pool *Pool, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{tracker: tracker, pool: pool, interval: interval}
}

// Run blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	logger.Info("poller starting", "interval", p.interval.String())
	for {
		if ctx.Err() != nil {
			logger.Info("poller stopping")
			return
		}

		if p.pool.Free() == 0 {
			p.sleep(ctx)
			continue
		}

		order, err := p.tracker.ClaimNext(ctx)
		if err != nil {
			logger.Error("claim failed", "error", err)
			p.sleep(ctx)
			continue
		}
		if order == nil {
			p.sleep(ctx)
			continue
		}

		logger.Info("claimed order", "uuid", order.UUID, "user", order.UserName,
			"files", len(order.Files), "preprocessing", order.Preprocessing != nil)
		p.pool.Submit(order)
	}
}

func (p *Poller) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.interval):
	}
}

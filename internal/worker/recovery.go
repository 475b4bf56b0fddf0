package worker

import (
	"context"
	"fmt"

	"github.com/cellular-imaging/omero-ingest/internal/domain"
	"github.com/cellular-imaging/omero-ingest/internal/pkg/logger"
)

// StaleReason is the failure message startup recovery writes for orders
// left IMPORT_STARTED by a previous process.
const StaleReason = "stale at startup: worker did not survive previous run"

// DanglingSource is the tracker slice recovery reads and writes.
type DanglingSource interface {
	ListDangling(ctx context.Context) ([]string, error)
	Record(ctx context.Context, uuid string, stage domain.Stage, message string) error
}

// RecoverDangling fails every order stuck in IMPORT_STARTED. Runs once,
// before the pool starts, so no worker can be holding any of them.
func RecoverDangling(ctx context.Context, tracker DanglingSource) (int, error) {
	dangling, err := tracker.ListDangling(ctx)
	if err != nil {
		return 0, fmt.Errorf("list dangling orders: %w", err)
	}

	for _, uuid := range dangling {
		if err := tracker.Record(ctx, uuid, domain.StageFailed, StaleReason); err != nil {
			return 0, fmt.Errorf("fail dangling order %s: %w", uuid, err)
		}
		logger.Warn("failed dangling order", "uuid", uuid)
	}
	return len(dangling), nil
}

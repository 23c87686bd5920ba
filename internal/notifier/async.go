package notifier

import (
	"context"
	"fmt"

	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/util/workerpool"
	"go.uber.org/zap"
)

// AsyncNotifier hands notifications to a worker pool so provisioning never waits on
// the downstream transport
type AsyncNotifier struct {
	inner       Notifier
	name        string
	pool        *workerpool.Pool
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewAsyncNotifier wraps inner. name labels metrics.
func NewAsyncNotifier(
	inner Notifier,
	name string,
	pool *workerpool.Pool,
	maxAttempts int,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AsyncNotifier {
	return &AsyncNotifier{
		inner:       inner,
		name:        name,
		pool:        pool,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger,
	}
}

// NotifyCellCreated queues the notification. It fails only when the queue is full
// or the notifier is shutting down.
func (n *AsyncNotifier) NotifyCellCreated(ctx context.Context, cell *model.Cell) error {
	snapshot := cell.Clone()
	err := n.pool.TrySubmit(workerpool.Job{
		Name:        "notify:" + snapshot.CellID,
		MaxAttempts: n.maxAttempts,
		Run: func(jobCtx context.Context) error {
			if err := n.inner.NotifyCellCreated(jobCtx, snapshot); err != nil {
				n.metrics.RecordNotification(n.name, "error")
				return err
			}
			n.metrics.RecordNotification(n.name, "sent")
			return nil
		},
	})
	if err != nil {
		n.metrics.RecordNotification(n.name, "dropped")
		n.logger.Warn("Dropped cell notification",
			zap.String("cell_id", snapshot.CellID),
			zap.Error(err))
		return fmt.Errorf("failed to queue notification for cell %s: %w", snapshot.CellID, err)
	}
	return nil
}

// Close drains pending notifications
func (n *AsyncNotifier) Close(ctx context.Context) error {
	return n.pool.Shutdown(ctx)
}

// Stats exposes the underlying pool statistics
func (n *AsyncNotifier) Stats() workerpool.Stats {
	return n.pool.Stats()
}

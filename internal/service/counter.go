package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"go.uber.org/zap"
)

// CounterConfig bounds the conditional-write retry loop
type CounterConfig struct {
	Attempts int
	Backoff  time.Duration
}

// cellUpdater applies read-modify-write changes to a cell through the repository's
// conditional write, retrying on version conflicts
type cellUpdater struct {
	cells    store.CellRepository
	attempts int
	backoff  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newCellUpdater(
	cells store.CellRepository,
	attempts int,
	backoff time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *cellUpdater {
	if attempts < 1 {
		attempts = 1
	}
	return &cellUpdater{
		cells:    cells,
		attempts: attempts,
		backoff:  backoff,
		metrics:  m,
		logger:   logger,
	}
}

// increment takes one slot on the cell
func (u *cellUpdater) increment(ctx context.Context, cellID string) (*model.Cell, error) {
	return u.update(ctx, cellID, "increment", func(c *model.Cell) error {
		if !c.AcceptsTenants() {
			return perrors.InvalidState("cell " + c.CellID + " is " + string(c.Status)).
				WithDetail("cell_id", c.CellID)
		}
		if !c.HasCapacity() {
			return perrors.CellFull(c.CellID, c.MaxTenantCount)
		}
		c.CurrentTenantCount++
		return nil
	})
}

// decrement releases one slot; the count never goes below zero
func (u *cellUpdater) decrement(ctx context.Context, cellID string) (*model.Cell, error) {
	return u.update(ctx, cellID, "decrement", func(c *model.Cell) error {
		if c.CurrentTenantCount == 0 {
			u.logger.Warn("Decrement on empty cell clamped at zero", zap.String("cell_id", c.CellID))
			return nil
		}
		c.CurrentTenantCount--
		return nil
	})
}

// retire moves an empty cell to Deprecated so it no longer counts against its region
// cap. Cells holding tenants are refused with InvalidState.
func (u *cellUpdater) retire(ctx context.Context, cellID string) (*model.Cell, error) {
	return u.update(ctx, cellID, "retire", func(c *model.Cell) error {
		if c.CurrentTenantCount != 0 {
			return perrors.InvalidState(fmt.Sprintf("cell %s still holds %d tenants", c.CellID, c.CurrentTenantCount)).
				WithDetail("cell_id", c.CellID)
		}
		c.Status = model.CellStatusDeprecated
		return nil
	})
}

// update loads the cell, applies mutate and writes it back conditioned on the loaded
// version. mutate errors are returned as is.
func (u *cellUpdater) update(
	ctx context.Context,
	cellID string,
	operation string,
	mutate func(*model.Cell) error,
) (*model.Cell, error) {
	var lastErr error
	for attempt := 1; attempt <= u.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := u.cells.GetCell(ctx, cellID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NotFound("cell", cellID)
		}
		if err != nil {
			return nil, storageError("failed to load cell", err)
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}

		updated, err := u.cells.ConditionalUpdateCell(ctx, next, current.Version)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.NotFound("cell", cellID)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, storageError("failed to update cell", err)
		}

		lastErr = err
		u.metrics.RecordCounterConflict(operation)
		u.logger.Debug("Cell version conflict, retrying",
			zap.String("cell_id", cellID),
			zap.String("operation", operation),
			zap.Int("attempt", attempt))

		if attempt < u.attempts {
			if err := sleepWithJitter(ctx, u.backoff, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, perrors.VersionConflict("cell", cellID, u.attempts, lastErr)
}

// sleepWithJitter waits attempt*base plus up to base of jitter
func sleepWithJitter(ctx context.Context, base time.Duration, attempt int) error {
	if base <= 0 {
		return nil
	}
	wait := base*time.Duration(attempt) + time.Duration(rand.Int63n(int64(base)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// storageError wraps a repository failure. Context errors pass through so callers
// can tell cancellation apart from a broken store.
func storageError(message string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return perrors.Storage(message, err)
}

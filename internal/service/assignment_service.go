package service

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/stamps/internal/algorithm"
	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"go.uber.org/zap"
)

// maxSelectionRounds bounds re-selection when the chosen cell fills up between
// selection and increment
const maxSelectionRounds = 3

// placeableStatuses are the cell statuses a tenant may be placed on. Provisioning
// cells are included so a cell awaiting confirmation is filled before another one
// is created.
var placeableStatuses = []model.CellStatus{model.CellStatusActive, model.CellStatusProvisioning}

// AssignmentService maps tenants to cells
type AssignmentService struct {
	cells       store.CellRepository
	provisioner *ProvisioningService
	updater     *cellUpdater
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewAssignmentService creates a new assignment service
func NewAssignmentService(
	cells store.CellRepository,
	provisioner *ProvisioningService,
	counterCfg CounterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AssignmentService {
	return &AssignmentService{
		cells:       cells,
		provisioner: provisioner,
		updater:     newCellUpdater(cells, counterCfg.Attempts, counterCfg.Backoff, m, logger),
		metrics:     m,
		logger:      logger,
	}
}

// AssignCell selects a compliant cell with capacity for tenant, provisioning one if
// the region is below its cap, and takes a slot on it. Only Tier, Region and
// RequiredCompliance of tenant are read.
func (s *AssignmentService) AssignCell(ctx context.Context, tenant *model.Tenant) (*model.CellAssignmentResult, error) {
	if tenant == nil {
		return nil, perrors.InvalidArgument("tenant is required")
	}
	if tenant.Region == "" {
		return nil, perrors.InvalidArgument("tenant region is required")
	}
	if !tenant.Tier.IsValid() {
		return nil, perrors.InvalidArgument(fmt.Sprintf("unknown tier %q", tenant.Tier))
	}

	path := pathForTier(tenant.Tier)
	start := time.Now()

	result, err := s.assign(ctx, path, tenant)

	outcome := "success"
	if err != nil {
		outcome = string(perrors.KindOf(err))
	}
	s.metrics.RecordPlacement(string(path), outcome, time.Since(start).Seconds())

	if err != nil {
		s.logger.Warn("Cell assignment failed",
			zap.String("tenant_id", tenant.TenantID),
			zap.String("tier", string(tenant.Tier)),
			zap.String("region", tenant.Region),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Assigned tenant to cell",
		zap.String("tenant_id", tenant.TenantID),
		zap.String("tier", string(tenant.Tier)),
		zap.String("cell_id", result.CellID),
		zap.String("cell_name", result.CellName),
		zap.Bool("provisioned", result.Provisioned))
	return result, nil
}

func (s *AssignmentService) assign(ctx context.Context, path placementPath, tenant *model.Tenant) (*model.CellAssignmentResult, error) {
	var lastErr error
	for round := 0; round < maxSelectionRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, err := s.placeableCells(ctx, tenant.Region)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, perrors.NoCellsAvailable(tenant.Region)
		}

		cell, provisioned, err := s.resolveCell(ctx, path, tenant.Region, tenant.RequiredCompliance, candidates, "", "placement")
		if err != nil {
			return nil, err
		}

		updated, err := s.updater.increment(ctx, cell.CellID)
		if perrors.IsKind(err, perrors.KindNoCapacity) {
			// Filled concurrently; select again
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		return &model.CellAssignmentResult{
			Success:     true,
			CellID:      updated.CellID,
			CellName:    updated.CellName,
			BackendPool: updated.BackendPool,
			Provisioned: provisioned,
		}, nil
	}
	return nil, lastErr
}

// placeableCells lists the cells of region that may take tenants
func (s *AssignmentService) placeableCells(ctx context.Context, region string) ([]*model.Cell, error) {
	cells, err := s.cells.QueryCells(ctx, store.CellFilter{
		Region:   region,
		Statuses: placeableStatuses,
	})
	if err != nil {
		return nil, storageError("failed to query cells", err)
	}
	return cells, nil
}

// resolveCell picks a candidate from cells for path, provisioning a new cell when no
// candidate exists. excludeCellID removes one cell from consideration.
func (s *AssignmentService) resolveCell(
	ctx context.Context,
	path placementPath,
	region string,
	required []string,
	cells []*model.Cell,
	excludeCellID string,
	trigger string,
) (*model.Cell, bool, error) {
	var chosen *model.Cell
	if path == pathDedicated {
		chosen = selectDedicated(cells, required, excludeCellID)
	} else {
		chosen = selectShared(cells, required, excludeCellID)
	}
	if chosen != nil {
		return chosen, false, nil
	}

	req := ProvisionRequest{
		Region:  region,
		Type:    path.cellType(),
		Trigger: trigger,
	}
	if path == pathDedicated {
		// Dedicated cells are built for their tenant's compliance needs
		req.ComplianceFeatures = required
	}
	cell, err := s.provisioner.ProvisionCell(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return cell, true, nil
}

// selectShared returns the compliant shared cell with free capacity and the lowest
// tenant count. Ties go to the first cell in input order.
func selectShared(cells []*model.Cell, required []string, excludeCellID string) *model.Cell {
	var best *model.Cell
	for _, c := range cells {
		if c.Type != model.CellTypeShared || c.CellID == excludeCellID {
			continue
		}
		if !c.HasCapacity() || !algorithm.Satisfies(c.ComplianceFeatures, required) {
			continue
		}
		if best == nil || c.CurrentTenantCount < best.CurrentTenantCount {
			best = c
		}
	}
	return best
}

// selectDedicated returns an empty compliant dedicated cell with the fewest features
// beyond the requirement, so an exact match wins. Ties go to the first cell in input
// order.
func selectDedicated(cells []*model.Cell, required []string, excludeCellID string) *model.Cell {
	var best *model.Cell
	bestExtra := 0
	for _, c := range cells {
		if c.Type != model.CellTypeDedicated || c.CellID == excludeCellID {
			continue
		}
		if c.CurrentTenantCount != 0 || !algorithm.Satisfies(c.ComplianceFeatures, required) {
			continue
		}
		extra := algorithm.ExtraFeatures(c.ComplianceFeatures, required)
		if best == nil || extra < bestExtra {
			best, bestExtra = c, extra
		}
	}
	return best
}

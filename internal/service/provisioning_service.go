package service

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/notifier"
	"github.com/devrev/stamps/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProvisioningConfig holds provisioning limits
type ProvisioningConfig struct {
	SharedCellMaxTenants       int
	MaxSharedCellsPerRegion    int
	MaxDedicatedCellsPerRegion int
	// AutoActivate marks new cells Active right after creation instead of waiting
	// for ConfirmProvisioned
	AutoActivate bool
}

// ProvisionRequest describes a cell to create
type ProvisionRequest struct {
	Region             string
	Type               model.CellType
	ComplianceFeatures []string
	// Trigger labels why the cell was created, e.g. "placement" or "capacity_pass"
	Trigger string
}

// ProvisioningService creates cell records under per-region caps. It is the single
// provisioning primitive used by placement, migration and the capacity monitor.
type ProvisioningService struct {
	cells    store.CellRepository
	updater  *cellUpdater
	notifier notifier.Notifier
	cfg      ProvisioningConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewProvisioningService creates a new provisioning service
func NewProvisioningService(
	cells store.CellRepository,
	n notifier.Notifier,
	cfg ProvisioningConfig,
	counterCfg CounterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ProvisioningService {
	return &ProvisioningService{
		cells:    cells,
		updater:  newCellUpdater(cells, counterCfg.Attempts, counterCfg.Backoff, m, logger),
		notifier: n,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// regionCap returns the per-region cell cap for cellType
func (s *ProvisioningService) regionCap(cellType model.CellType) int {
	if cellType == model.CellTypeDedicated {
		return s.cfg.MaxDedicatedCellsPerRegion
	}
	return s.cfg.MaxSharedCellsPerRegion
}

// CountCells returns the cells of cellType in region that occupy a cap slot.
// Failed and Deprecated cells do not.
func (s *ProvisioningService) CountCells(ctx context.Context, region string, cellType model.CellType) (int, error) {
	cells, err := s.cells.QueryCells(ctx, store.CellFilter{Region: region, Type: cellType})
	if err != nil {
		return 0, storageError("failed to count cells", err)
	}
	n := 0
	for _, c := range cells {
		if c.Status == model.CellStatusFailed || c.Status == model.CellStatusDeprecated {
			continue
		}
		n++
	}
	return n, nil
}

// ProvisionCell creates a new cell if the region is below its cap for the type.
// Dedicated cells hold exactly one tenant; shared cells get the configured capacity.
func (s *ProvisioningService) ProvisionCell(ctx context.Context, req ProvisionRequest) (*model.Cell, error) {
	if req.Region == "" {
		return nil, perrors.InvalidArgument("region is required")
	}
	if req.Type != model.CellTypeShared && req.Type != model.CellTypeDedicated {
		return nil, perrors.InvalidArgument(fmt.Sprintf("unknown cell type %q", req.Type))
	}

	limit := s.regionCap(req.Type)
	count, err := s.CountCells(ctx, req.Region, req.Type)
	if err != nil {
		return nil, err
	}
	if count >= limit {
		s.logger.Warn("Provisioning cap reached",
			zap.String("region", req.Region),
			zap.String("type", string(req.Type)),
			zap.Int("cells", count),
			zap.Int("cap", limit))
		return nil, perrors.NoCapacity(req.Region, string(req.Type), limit)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cell := newCellRecord(req, s.cfg.SharedCellMaxTenants)
	created, err := s.cells.CreateCell(ctx, cell)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, perrors.AlreadyExists("cell", cell.CellID)
		}
		return nil, storageError("failed to create cell", err)
	}

	s.metrics.RecordCellProvisioned(req.Region, string(req.Type), req.Trigger)
	s.logger.Info("Provisioned cell",
		zap.String("cell_id", created.CellID),
		zap.String("cell_name", created.CellName),
		zap.String("region", created.Region),
		zap.String("type", string(created.Type)),
		zap.String("trigger", req.Trigger),
		zap.Strings("compliance", created.ComplianceFeatures))

	// Fire and forget; the cell record is authoritative
	if err := s.notifier.NotifyCellCreated(ctx, created); err != nil {
		s.logger.Warn("Failed to notify cell creation",
			zap.String("cell_id", created.CellID),
			zap.Error(err))
	}

	if !s.cfg.AutoActivate {
		return created, nil
	}
	activated, err := s.updater.update(ctx, created.CellID, "activate", func(c *model.Cell) error {
		if c.Status == model.CellStatusProvisioning {
			c.Status = model.CellStatusActive
		}
		return nil
	})
	if err != nil {
		// The Provisioning cell still accepts a first tenant, so placement can go on
		s.logger.Warn("Failed to activate provisioned cell",
			zap.String("cell_id", created.CellID),
			zap.Error(err))
		return created, nil
	}
	return activated, nil
}

// ConfirmProvisioned records the outcome reported by infrastructure automation:
// Provisioning moves to Active on success and Failed otherwise
func (s *ProvisioningService) ConfirmProvisioned(ctx context.Context, cellID string, succeeded bool, reason string) (*model.Cell, error) {
	target := model.CellStatusActive
	if !succeeded {
		target = model.CellStatusFailed
	}

	cell, err := s.updater.update(ctx, cellID, "confirm", func(c *model.Cell) error {
		if c.Status == target {
			return nil
		}
		if c.Status != model.CellStatusProvisioning {
			return perrors.InvalidState(fmt.Sprintf("cell %s is %s, not Provisioning", c.CellID, c.Status)).
				WithDetail("cell_id", c.CellID)
		}
		c.Status = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Cell provisioning confirmed",
		zap.String("cell_id", cellID),
		zap.Bool("succeeded", succeeded),
		zap.String("status", string(cell.Status)),
		zap.String("reason", reason))
	return cell, nil
}

func newCellRecord(req ProvisionRequest, sharedMax int) *model.Cell {
	id := uuid.New().String()
	short := id[:8]
	kind := "shared"
	maxTenants := sharedMax
	if req.Type == model.CellTypeDedicated {
		kind = "dedicated"
		maxTenants = 1
	}
	return &model.Cell{
		CellID:             id,
		CellName:           fmt.Sprintf("cell-%s-%s-%s", req.Region, kind, short),
		BackendPool:        fmt.Sprintf("pool-%s-%s-%s", req.Region, kind, short),
		Type:               req.Type,
		Region:             req.Region,
		MaxTenantCount:     maxTenants,
		Status:             model.CellStatusProvisioning,
		ComplianceFeatures: append([]string(nil), req.ComplianceFeatures...),
	}
}

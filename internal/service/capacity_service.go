package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const snapshotCacheKey = "capacity:snapshot"

// CapacityConfig holds capacity monitor settings
type CapacityConfig struct {
	// Regions are always evaluated, even with no Active cells
	Regions              []string
	UtilizationThreshold float64
	MaxConcurrentRegions int
	Interval             time.Duration
	SnapshotTTL          time.Duration
}

// CapacityService evaluates cell utilization per region and provisions shared cells
// where every existing one is saturated
type CapacityService struct {
	repo        store.Repository
	provisioner *ProvisioningService
	updater     *cellUpdater
	cache       store.Cache
	cfg         CapacityConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewCapacityService creates a new capacity service
func NewCapacityService(
	repo store.Repository,
	provisioner *ProvisioningService,
	cache store.Cache,
	cfg CapacityConfig,
	counterCfg CounterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CapacityService {
	if cfg.MaxConcurrentRegions <= 0 {
		cfg.MaxConcurrentRegions = 1
	}
	return &CapacityService{
		repo:        repo,
		provisioner: provisioner,
		updater:     newCellUpdater(repo, counterCfg.Attempts, counterCfg.Backoff, m, logger),
		cache:       cache,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// RunCapacityPass evaluates every region and provisions one shared cell in each
// region that needs one. A failing region is reported in its own entry and does not
// stop the others.
func (s *CapacityService) RunCapacityPass(ctx context.Context) (*model.CapacityReport, error) {
	report, err := s.evaluate(ctx, true)
	if err != nil {
		s.metrics.RecordCapacityPass("error")
		return nil, err
	}

	outcome := "ok"
	if failed := report.FailedRegions(); len(failed) > 0 {
		outcome = "partial"
		s.logger.Warn("Capacity pass finished with failed regions", zap.Strings("regions", failed))
	}
	s.metrics.RecordCapacityPass(outcome)
	s.logger.Info("Capacity pass completed",
		zap.Int("regions", len(report.Regions)),
		zap.Int("total_cells", report.TotalCells),
		zap.Int("at_capacity", report.AtCapacityCells),
		zap.Strings("provisioned", report.ProvisionedCells),
		zap.Int("migration_candidates", len(report.MigrationCandidates)))

	if s.cache != nil {
		if err := s.cache.Delete(ctx, snapshotCacheKey); err != nil {
			s.logger.Warn("Failed to invalidate capacity snapshot", zap.Error(err))
		}
	}
	return report, nil
}

// GetCapacitySnapshot returns the same report as a pass without provisioning
// anything. Results are cached for the snapshot TTL.
func (s *CapacityService) GetCapacitySnapshot(ctx context.Context) (*model.CapacityReport, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, snapshotCacheKey); err == nil {
			var cached model.CapacityReport
			if err := json.Unmarshal(data, &cached); err == nil {
				s.metrics.RecordCacheHit("capacity_snapshot")
				return &cached, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Capacity snapshot cache read failed", zap.Error(err))
		}
		s.metrics.RecordCacheMiss("capacity_snapshot")
	}

	report, err := s.evaluate(ctx, false)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && s.cfg.SnapshotTTL > 0 {
		if data, err := json.Marshal(report); err == nil {
			if err := s.cache.Set(ctx, snapshotCacheKey, data, s.cfg.SnapshotTTL); err != nil {
				s.logger.Warn("Failed to cache capacity snapshot", zap.Error(err))
			}
		}
	}
	return report, nil
}

// evaluate builds the report; provision controls whether flagged regions get a cell
func (s *CapacityService) evaluate(ctx context.Context, provision bool) (*model.CapacityReport, error) {
	placeable, err := s.repo.QueryCells(ctx, store.CellFilter{Statuses: placeableStatuses})
	if err != nil {
		return nil, storageError("failed to load cells", err)
	}
	tenants, err := s.repo.QueryTenants(ctx, store.TenantFilter{Status: model.TenantStatusActive})
	if err != nil {
		return nil, storageError("failed to load tenants", err)
	}

	// Provisioning shared cells are not measured yet but stop a region from getting
	// another cell while they still have room
	var cells []*model.Cell
	cellsByRegion := make(map[string][]*model.Cell)
	pendingByRegion := make(map[string][]*model.Cell)
	for _, c := range placeable {
		switch {
		case c.Status == model.CellStatusActive:
			cells = append(cells, c)
			cellsByRegion[c.Region] = append(cellsByRegion[c.Region], c)
		case c.Type == model.CellTypeShared:
			pendingByRegion[c.Region] = append(pendingByRegion[c.Region], c)
			if _, ok := cellsByRegion[c.Region]; !ok {
				cellsByRegion[c.Region] = nil
			}
		}
	}
	for _, r := range s.cfg.Regions {
		if _, ok := cellsByRegion[r]; !ok {
			cellsByRegion[r] = nil
		}
	}
	tenantsByRegion := make(map[string]int)
	for _, t := range tenants {
		tenantsByRegion[t.Region]++
	}

	regions := make([]string, 0, len(cellsByRegion))
	for r := range cellsByRegion {
		regions = append(regions, r)
	}
	sort.Strings(regions)

	results := make([]model.RegionCapacityReport, len(regions))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentRegions)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			results[i] = s.evaluateRegion(ctx, region, cellsByRegion[region], pendingByRegion[region], tenantsByRegion[region], provision)
			return nil
		})
	}
	_ = g.Wait()

	report := &model.CapacityReport{
		GeneratedAt:         s.now().UTC(),
		TotalCells:          len(cells),
		TotalTenants:        len(tenants),
		Regions:             results,
		ProvisionedCells:    []string{},
		MigrationCandidates: findMigrationCandidates(tenants),
		Recommendations:     []string{},
	}
	for _, c := range cells {
		if !c.HasCapacity() {
			report.AtCapacityCells++
		}
	}
	for _, r := range results {
		if r.ProvisionedCell != "" {
			report.ProvisionedCells = append(report.ProvisionedCells, r.ProvisionedCell)
		}
		s.metrics.UpdateSharedUtilization(r.Region, r.SharedUtilization)
	}
	s.metrics.UpdateCellsAtCapacity(report.AtCapacityCells)
	report.Recommendations = recommendations(report, s.cfg.UtilizationThreshold, provision)

	return report, nil
}

func (s *CapacityService) evaluateRegion(
	ctx context.Context,
	region string,
	cells []*model.Cell,
	pending []*model.Cell,
	tenantCount int,
	provision bool,
) model.RegionCapacityReport {
	rr := model.RegionCapacityReport{
		Region:             region,
		SharedCells:        []string{},
		DedicatedCells:     []string{},
		PendingSharedCells: []string{},
		TenantCount:        tenantCount,
	}
	waiting := false
	for _, c := range pending {
		rr.PendingSharedCells = append(rr.PendingSharedCells, c.CellName)
		if c.Utilization() < s.cfg.UtilizationThreshold {
			waiting = true
		}
	}

	var utilSum float64
	saturated := 0
	for _, c := range cells {
		if c.Type == model.CellTypeDedicated {
			rr.DedicatedCells = append(rr.DedicatedCells, c.CellName)
			continue
		}
		rr.SharedCells = append(rr.SharedCells, c.CellName)
		u := c.Utilization()
		utilSum += u
		if u >= s.cfg.UtilizationThreshold {
			saturated++
		}
	}
	if n := len(rr.SharedCells); n > 0 {
		rr.SharedUtilization = utilSum / float64(n)
	}
	rr.NeedsNewSharedCell = len(rr.SharedCells) == 0 || saturated == len(rr.SharedCells)

	if !provision || !rr.NeedsNewSharedCell {
		return rr
	}
	if waiting {
		s.logger.Info("Shared cell still provisioning, not adding another",
			zap.String("region", region),
			zap.Strings("pending", rr.PendingSharedCells))
		return rr
	}
	if err := ctx.Err(); err != nil {
		rr.Err = err.Error()
		return rr
	}

	cell, err := s.provisioner.ProvisionCell(ctx, ProvisionRequest{
		Region:  region,
		Type:    model.CellTypeShared,
		Trigger: "capacity_pass",
	})
	if err != nil {
		s.logger.Error("Capacity pass could not provision shared cell",
			zap.String("region", region),
			zap.Float64("shared_utilization", rr.SharedUtilization),
			zap.Error(err))
		rr.Err = err.Error()
		return rr
	}
	rr.ProvisionedCell = cell.CellName
	return rr
}

// findMigrationCandidates reports isolated-tier tenants whose cell name marks a shared
// placement
func findMigrationCandidates(tenants []*model.Tenant) []model.MigrationCandidate {
	candidates := []model.MigrationCandidate{}
	for _, t := range tenants {
		if !t.Tier.RequiresIsolation() || !strings.Contains(t.AssignedCellName, "shared") {
			continue
		}
		candidates = append(candidates, model.MigrationCandidate{
			TenantID: t.TenantID,
			Tier:     t.Tier,
			CellName: t.AssignedCellName,
			Region:   t.Region,
		})
	}
	return candidates
}

func recommendations(report *model.CapacityReport, threshold float64, provisioned bool) []string {
	out := []string{}
	for _, r := range report.Regions {
		switch {
		case r.Err != "":
			out = append(out, fmt.Sprintf("region %s: add shared capacity manually, automatic provisioning failed: %s", r.Region, r.Err))
		case r.ProvisionedCell != "":
			out = append(out, fmt.Sprintf("region %s: provisioned shared cell %s", r.Region, r.ProvisionedCell))
		case r.NeedsNewSharedCell && len(r.PendingSharedCells) > 0 && provisioned:
			out = append(out, fmt.Sprintf("region %s: waiting for shared cells %s to finish provisioning",
				r.Region, strings.Join(r.PendingSharedCells, ", ")))
		case r.NeedsNewSharedCell && !provisioned:
			out = append(out, fmt.Sprintf("region %s: every shared cell is at or above %.0f%% utilization, a new shared cell is needed",
				r.Region, threshold*100))
		}
	}
	for _, c := range report.MigrationCandidates {
		out = append(out, fmt.Sprintf("tenant %s (%s) is on shared cell %s, migrate to a dedicated cell", c.TenantID, c.Tier, c.CellName))
	}
	return out
}

// ReconcileCounters compares every cell's stored count with the Active and Migrating
// tenants pointing at it. Cells touched by an unfinished migration are skipped.
//
// With fix set, only counters below the observed tenant count are raised, through the
// conditional write. A counter above it may hold slots reserved through AssignCell
// that have no tenant record (external placements, tenant creation in flight), so it
// is reported and left alone.
func (s *CapacityService) ReconcileCounters(ctx context.Context, fix bool) ([]model.CounterDrift, error) {
	cells, err := s.repo.QueryCells(ctx, store.CellFilter{})
	if err != nil {
		return nil, storageError("failed to load cells", err)
	}
	tenants, err := s.repo.QueryTenants(ctx, store.TenantFilter{})
	if err != nil {
		return nil, storageError("failed to load tenants", err)
	}
	pending, err := s.repo.ListPendingIntents(ctx, s.now())
	if err != nil {
		return nil, storageError("failed to load pending migrations", err)
	}

	busy := make(map[string]bool)
	for _, in := range pending {
		busy[in.SourceCellID] = true
		busy[in.TargetCellID] = true
	}
	observed := make(map[string]int)
	for _, t := range tenants {
		if t.Status == model.TenantStatusActive || t.Status == model.TenantStatusMigrating {
			observed[t.AssignedCellID]++
		}
	}

	drifts := []model.CounterDrift{}
	for _, c := range cells {
		if busy[c.CellID] || observed[c.CellID] == c.CurrentTenantCount {
			continue
		}
		d := model.CounterDrift{
			CellID:        c.CellID,
			CellName:      c.CellName,
			StoredCount:   c.CurrentTenantCount,
			ObservedCount: observed[c.CellID],
		}
		switch {
		case d.StoredCount > d.ObservedCount:
			d.Reason = "stored count above assigned tenants, may include reservations without a tenant record"
		case fix:
			target := min(d.ObservedCount, c.MaxTenantCount)
			_, err := s.updater.update(ctx, c.CellID, "reconcile", func(cell *model.Cell) error {
				// Only ever raise; a concurrent placement may already have caught up
				if cell.CurrentTenantCount < target {
					cell.CurrentTenantCount = target
				}
				return nil
			})
			if err != nil {
				d.Err = err.Error()
			} else {
				d.Repaired = true
			}
		}
		s.logger.Warn("Cell counter drift",
			zap.String("cell_id", c.CellID),
			zap.Int("stored", d.StoredCount),
			zap.Int("observed", d.ObservedCount),
			zap.Bool("repaired", d.Repaired))
		drifts = append(drifts, d)
	}
	s.metrics.UpdateCounterDrift(len(drifts))
	return drifts, nil
}

// Run executes a capacity pass every interval until ctx is cancelled
func (s *CapacityService) Run(ctx context.Context) {
	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Capacity monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Capacity monitor stopped")
			return
		case <-ticker.C:
			if _, err := s.RunCapacityPass(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Capacity pass failed", zap.Error(err))
			}
		}
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MigrationConfig holds migration orchestration settings
type MigrationConfig struct {
	// EstimatedDuration is added to the start time to produce the completion marker
	EstimatedDuration time.Duration
	// RecoveryGrace is how long an intent must sit untouched before the recovery
	// sweep takes it over
	RecoveryGrace    time.Duration
	RecoveryInterval time.Duration
}

// RecoveryResult summarizes one recovery sweep
type RecoveryResult struct {
	Examined   int      `json:"examined"`
	Completed  int      `json:"completed"`
	RolledBack int      `json:"rolled_back"`
	Skipped    int      `json:"skipped"`
	Failed     []string `json:"failed,omitempty"`
}

// MigrationService moves tenants between cells as a saga. Each step is recorded on a
// durable MigrationIntent so an interrupted migration can be finished or rolled back.
type MigrationService struct {
	tenants  store.TenantRepository
	intents  store.MigrationIntentStore
	assigner *AssignmentService
	updater  *cellUpdater
	cache    store.Cache
	cfg      MigrationConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewMigrationService creates a new migration service
func NewMigrationService(
	repo store.Repository,
	assigner *AssignmentService,
	cache store.Cache,
	cfg MigrationConfig,
	counterCfg CounterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MigrationService {
	return &MigrationService{
		tenants:  repo,
		intents:  repo,
		assigner: assigner,
		updater:  newCellUpdater(repo, counterCfg.Attempts, counterCfg.Backoff, m, logger),
		cache:    cache,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// MigrateTenant moves an Active tenant to a cell matching targetTier and
// requiredCompliance. A nil requiredCompliance keeps the tenant's current requirement.
//
// Isolated tiers (Enterprise, Dedicated) never move to a shared tier.
func (s *MigrationService) MigrateTenant(
	ctx context.Context,
	tenantID string,
	targetTier model.Tier,
	requiredCompliance []string,
) (*model.MigrationResult, error) {
	if !targetTier.IsValid() {
		return nil, perrors.InvalidArgument(fmt.Sprintf("unknown target tier %q", targetTier))
	}

	migrationID := s.newID()
	start := s.now()

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.NotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, perrors.MigrationFailed(migrationID, storageError("failed to load tenant", err))
	}

	if tenant.Status != model.TenantStatusActive {
		return nil, perrors.InvalidState(fmt.Sprintf("tenant %s is %s, only Active tenants can migrate", tenantID, tenant.Status)).
			WithDetail("tenant_id", tenantID)
	}
	if tenant.Tier.RequiresIsolation() && !targetTier.RequiresIsolation() {
		return nil, perrors.IsolationViolation(string(tenant.Tier), string(targetTier)).
			WithDetail("tenant_id", tenantID)
	}
	if !tenant.HasAssignment() {
		return nil, perrors.InvalidState(fmt.Sprintf("tenant %s has no assigned cell", tenantID))
	}
	if requiredCompliance == nil {
		requiredCompliance = tenant.RequiredCompliance
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.logger.Info("Starting tenant migration",
		zap.String("migration_id", migrationID),
		zap.String("tenant_id", tenantID),
		zap.String("source_cell", tenant.AssignedCellName),
		zap.String("source_tier", string(tenant.Tier)),
		zap.String("target_tier", string(targetTier)))

	dest, provisioned, err := s.resolveDestination(ctx, tenant, targetTier, requiredCompliance)
	if err != nil {
		return nil, perrors.MigrationFailed(migrationID, err)
	}

	intent := &model.MigrationIntent{
		MigrationID:       migrationID,
		TenantID:          tenant.TenantID,
		SourceCellID:      tenant.AssignedCellID,
		SourceCellName:    tenant.AssignedCellName,
		SourceBackendPool: tenant.AssignedBackendPool,
		SourceTier:        tenant.Tier,
		SourceCompliance:  append([]string(nil), tenant.RequiredCompliance...),
		TargetCellID:      dest.CellID,
		TargetCellName:    dest.CellName,
		TargetBackendPool: dest.BackendPool,
		TargetTier:        targetTier,
		TargetCompliance:  append([]string(nil), requiredCompliance...),
		TargetProvisioned: provisioned,
		Phase:             model.MigrationPhaseStarted,
	}
	if err := s.intents.CreateIntent(ctx, intent); err != nil {
		if provisioned {
			s.retireDestination(context.WithoutCancel(ctx), intent)
		}
		return nil, perrors.MigrationFailed(migrationID, storageError("failed to record migration intent", err))
	}

	// Step: mark Migrating
	tenant.Status = model.TenantStatusMigrating
	if _, err := s.tenants.UpdateTenant(ctx, tenant); err != nil {
		return nil, s.handleMigrationFailure(ctx, intent, false, storageError("failed to mark tenant migrating", err))
	}
	s.invalidateTenant(ctx, tenantID)

	// Step: reserve destination
	if _, err := s.updater.increment(ctx, intent.TargetCellID); err != nil {
		return nil, s.handleMigrationFailure(ctx, intent, false, fmt.Errorf("failed to reserve destination: %w", err))
	}
	if err := s.advance(ctx, intent, model.MigrationPhaseDestinationReserved); err != nil {
		return nil, s.handleMigrationFailure(ctx, intent, true, err)
	}

	// Step: switch the tenant
	if err := s.executeSwitch(ctx, intent); err != nil {
		return nil, s.handleMigrationFailure(ctx, intent, true, err)
	}
	if err := s.advance(ctx, intent, model.MigrationPhaseTenantSwitched); err != nil {
		// Tenant already points at the destination; recovery releases the source
		s.logger.Error("Tenant switched but intent not advanced",
			zap.String("migration_id", migrationID),
			zap.Error(err))
		return nil, perrors.MigrationFailed(migrationID, err)
	}

	// Step: release source
	if err := s.executeRelease(ctx, intent); err != nil {
		return nil, perrors.MigrationFailed(migrationID, err)
	}

	duration := s.now().Sub(start)
	s.metrics.RecordMigration(string(model.MigrationPhaseCompleted), duration.Seconds())
	s.logger.Info("Tenant migration completed",
		zap.String("migration_id", migrationID),
		zap.String("tenant_id", tenantID),
		zap.String("source_cell", intent.SourceCellName),
		zap.String("target_cell", intent.TargetCellName),
		zap.Duration("duration", duration))

	return &model.MigrationResult{
		MigrationID:         migrationID,
		TenantID:            tenantID,
		SourceCellName:      intent.SourceCellName,
		TargetCellName:      intent.TargetCellName,
		TargetTier:          targetTier,
		Phase:               intent.Phase,
		EstimatedCompletion: start.Add(s.cfg.EstimatedDuration),
	}, nil
}

// resolveDestination picks or provisions the destination cell and reports whether it
// was provisioned. Isolated targets always get a fresh dedicated cell; shared targets
// use the shared selection rule with the source cell excluded.
func (s *MigrationService) resolveDestination(
	ctx context.Context,
	tenant *model.Tenant,
	targetTier model.Tier,
	required []string,
) (*model.Cell, bool, error) {
	path := pathForTier(targetTier)
	if path == pathDedicated {
		cell, err := s.assigner.provisioner.ProvisionCell(ctx, ProvisionRequest{
			Region:             tenant.Region,
			Type:               model.CellTypeDedicated,
			ComplianceFeatures: required,
			Trigger:            "migration",
		})
		if err != nil {
			return nil, false, err
		}
		return cell, true, nil
	}

	candidates, err := s.assigner.placeableCells(ctx, tenant.Region)
	if err != nil {
		return nil, false, err
	}
	return s.assigner.resolveCell(ctx, path, tenant.Region, required, candidates, tenant.AssignedCellID, "migration")
}

// executeSwitch points the tenant at the destination with its new tier and compliance
func (s *MigrationService) executeSwitch(ctx context.Context, intent *model.MigrationIntent) error {
	tenant, err := s.tenants.GetTenant(ctx, intent.TenantID)
	if err != nil {
		return storageError("failed to reload tenant", err)
	}
	tenant.AssignedCellID = intent.TargetCellID
	tenant.AssignedCellName = intent.TargetCellName
	tenant.AssignedBackendPool = intent.TargetBackendPool
	tenant.Tier = intent.TargetTier
	tenant.RequiredCompliance = append([]string(nil), intent.TargetCompliance...)
	tenant.Status = model.TenantStatusActive
	if _, err := s.tenants.UpdateTenant(ctx, tenant); err != nil {
		return storageError("failed to switch tenant", err)
	}
	s.invalidateTenant(ctx, intent.TenantID)
	return nil
}

// executeRelease frees the source slot and completes the intent
func (s *MigrationService) executeRelease(ctx context.Context, intent *model.MigrationIntent) error {
	if _, err := s.updater.decrement(ctx, intent.SourceCellID); err != nil && !perrors.IsKind(err, perrors.KindNotFound) {
		return fmt.Errorf("failed to release source cell: %w", err)
	}
	if err := s.advance(ctx, intent, model.MigrationPhaseCompleted); err != nil {
		return err
	}
	return nil
}

// handleMigrationFailure runs compensations for a migration that has not switched the
// tenant yet. If a compensation fails the intent keeps its phase for the recovery sweep.
func (s *MigrationService) handleMigrationFailure(
	ctx context.Context,
	intent *model.MigrationIntent,
	destinationReserved bool,
	cause error,
) error {
	s.logger.Error("Migration failed, compensating",
		zap.String("migration_id", intent.MigrationID),
		zap.String("tenant_id", intent.TenantID),
		zap.String("phase", string(intent.Phase)),
		zap.Error(cause))

	// Compensations must run even when the caller's context is gone
	cctx := context.WithoutCancel(ctx)

	if err := s.compensate(cctx, intent, destinationReserved, cause.Error()); err != nil {
		s.logger.Error("Compensation incomplete, leaving intent for recovery",
			zap.String("migration_id", intent.MigrationID),
			zap.Error(err))
	}
	return perrors.MigrationFailed(intent.MigrationID, cause)
}

// compensate releases the destination if reserved, retires it if it was provisioned
// for this migration, restores the tenant on its source and marks the intent rolled
// back
func (s *MigrationService) compensate(ctx context.Context, intent *model.MigrationIntent, destinationReserved bool, reason string) error {
	if destinationReserved {
		if _, err := s.updater.decrement(ctx, intent.TargetCellID); err != nil && !perrors.IsKind(err, perrors.KindNotFound) {
			return fmt.Errorf("failed to release destination: %w", err)
		}
	}
	if intent.TargetProvisioned {
		s.retireDestination(ctx, intent)
	}

	tenant, err := s.tenants.GetTenant(ctx, intent.TenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to reload tenant: %w", err)
	}
	// Leave the tenant alone if it already moved on without this migration
	if tenant != nil && (tenant.Status == model.TenantStatusMigrating || tenant.AssignedCellID == intent.TargetCellID) {
		tenant.AssignedCellID = intent.SourceCellID
		tenant.AssignedCellName = intent.SourceCellName
		tenant.AssignedBackendPool = intent.SourceBackendPool
		tenant.Tier = intent.SourceTier
		tenant.RequiredCompliance = append([]string(nil), intent.SourceCompliance...)
		tenant.Status = model.TenantStatusActive
		if _, err := s.tenants.UpdateTenant(ctx, tenant); err != nil {
			return fmt.Errorf("failed to restore tenant: %w", err)
		}
		s.invalidateTenant(ctx, intent.TenantID)
	}

	intent.ErrorMessage = reason
	if err := s.advance(ctx, intent, model.MigrationPhaseRolledBack); err != nil {
		return err
	}
	s.metrics.RecordMigration(string(model.MigrationPhaseRolledBack), s.now().Sub(intent.CreatedAt).Seconds())
	return nil
}

// retireDestination deprecates an empty destination cell that was provisioned for a
// migration being rolled back. Failures are logged; the cell is then left for an
// operator.
func (s *MigrationService) retireDestination(ctx context.Context, intent *model.MigrationIntent) {
	_, err := s.updater.retire(ctx, intent.TargetCellID)
	if err == nil {
		s.logger.Info("Retired cell provisioned for rolled back migration",
			zap.String("migration_id", intent.MigrationID),
			zap.String("cell_id", intent.TargetCellID))
		return
	}
	if perrors.IsKind(err, perrors.KindNotFound) {
		return
	}
	s.logger.Warn("Failed to retire provisioned migration destination",
		zap.String("migration_id", intent.MigrationID),
		zap.String("cell_id", intent.TargetCellID),
		zap.Error(err))
}

// advance persists the next phase of the intent
func (s *MigrationService) advance(ctx context.Context, intent *model.MigrationIntent, phase model.MigrationPhase) error {
	previous := intent.Phase
	intent.Phase = phase
	if err := s.intents.UpdateIntent(ctx, intent); err != nil {
		intent.Phase = previous
		return storageError(fmt.Sprintf("failed to record migration phase %s", phase), err)
	}
	s.logger.Debug("Migration phase recorded",
		zap.String("migration_id", intent.MigrationID),
		zap.String("phase", string(phase)))
	return nil
}

// GetMigration returns the recorded state of a migration
func (s *MigrationService) GetMigration(ctx context.Context, migrationID string) (*model.MigrationIntent, error) {
	intent, err := s.intents.GetIntent(ctx, migrationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.NotFound("migration", migrationID)
	}
	if err != nil {
		return nil, storageError("failed to load migration", err)
	}
	return intent, nil
}

// RecoverPending finishes or rolls back migrations whose intent has not moved for
// longer than the recovery grace period
func (s *MigrationService) RecoverPending(ctx context.Context) (*RecoveryResult, error) {
	pending, err := s.intents.ListPendingIntents(ctx, s.now().Add(-s.cfg.RecoveryGrace))
	if err != nil {
		return nil, storageError("failed to list pending migrations", err)
	}

	result := &RecoveryResult{Examined: len(pending)}
	for _, intent := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		phase, err := s.recoverIntent(ctx, intent)
		switch {
		case errors.Is(err, store.ErrVersionConflict):
			// Someone else advanced it
			result.Skipped++
		case err != nil:
			s.logger.Error("Failed to recover migration",
				zap.String("migration_id", intent.MigrationID),
				zap.String("phase", string(intent.Phase)),
				zap.Error(err))
			result.Failed = append(result.Failed, intent.MigrationID)
		case phase == model.MigrationPhaseCompleted:
			result.Completed++
		case phase == model.MigrationPhaseRolledBack:
			result.RolledBack++
		}
	}

	if result.Examined > 0 {
		s.logger.Info("Migration recovery sweep finished",
			zap.Int("examined", result.Examined),
			zap.Int("completed", result.Completed),
			zap.Int("rolled_back", result.RolledBack),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", len(result.Failed)))
	}
	return result, nil
}

func (s *MigrationService) recoverIntent(ctx context.Context, intent *model.MigrationIntent) (model.MigrationPhase, error) {
	// Claim the intent; a concurrent writer makes this fail with a version conflict
	intent.ErrorMessage = "recovering"
	if err := s.intents.UpdateIntent(ctx, intent); err != nil {
		return "", err
	}

	switch intent.Phase {
	case model.MigrationPhaseStarted:
		if err := s.compensate(ctx, intent, false, "recovered: destination never reserved"); err != nil {
			return "", err
		}
		return model.MigrationPhaseRolledBack, nil

	case model.MigrationPhaseDestinationReserved:
		tenant, err := s.tenants.GetTenant(ctx, intent.TenantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if tenant != nil && tenant.AssignedCellID == intent.TargetCellID && tenant.Status == model.TenantStatusActive {
			// The switch committed before the phase was recorded
			if err := s.executeRelease(ctx, intent); err != nil {
				return "", err
			}
			return model.MigrationPhaseCompleted, nil
		}
		if err := s.compensate(ctx, intent, true, "recovered: tenant switch not committed"); err != nil {
			return "", err
		}
		return model.MigrationPhaseRolledBack, nil

	case model.MigrationPhaseTenantSwitched:
		if err := s.executeRelease(ctx, intent); err != nil {
			return "", err
		}
		return model.MigrationPhaseCompleted, nil
	}
	return intent.Phase, nil
}

// RunRecovery runs RecoverPending every interval until ctx is cancelled
func (s *MigrationService) RunRecovery(ctx context.Context) {
	interval := s.cfg.RecoveryInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Migration recovery loop stopped")
			return
		case <-ticker.C:
			if _, err := s.RecoverPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Migration recovery sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *MigrationService) invalidateTenant(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, TenantCacheKey(tenantID)); err != nil {
		s.logger.Warn("Failed to invalidate tenant cache",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

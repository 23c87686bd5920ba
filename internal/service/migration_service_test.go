package service

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTenant(t *testing.T, repo store.Repository, id string) *model.Tenant {
	t.Helper()
	tenant, err := repo.GetTenant(context.Background(), id)
	require.NoError(t, err)
	return tenant
}

func migrationIDOf(t *testing.T, err error) string {
	t.Helper()
	pe, ok := perrors.As(err)
	require.True(t, ok)
	id, _ := pe.Details["migration_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestMigrateTenant_SharedToEnterprise(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1, "SOC2")

	before := time.Now()
	result, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)

	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseCompleted, result.Phase)
	assert.Equal(t, "cell-eastus-shared-s1", result.SourceCellName)
	assert.Contains(t, result.TargetCellName, "cell-eastus-dedicated-")
	assert.Equal(t, model.TierEnterprise, result.TargetTier)
	assert.WithinDuration(t, before.Add(24*time.Hour), result.EstimatedCompletion, time.Minute)

	tenant := getTenant(t, repo, "t1")
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, model.TierEnterprise, tenant.Tier)
	assert.Equal(t, result.TargetCellName, tenant.AssignedCellName)
	assert.Equal(t, []string{"SOC2"}, tenant.RequiredCompliance)

	target := getCell(t, repo, tenant.AssignedCellID)
	assert.Equal(t, model.CellTypeDedicated, target.Type)
	assert.Equal(t, []string{"SOC2"}, target.ComplianceFeatures)
	assert.Equal(t, 1, target.CurrentTenantCount)
	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)

	intent, err := h.migration.GetMigration(context.Background(), result.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseCompleted, intent.Phase)
	assert.Equal(t, "s1", intent.SourceCellID)
	assert.Equal(t, model.TierSMB, intent.SourceTier)
}

func TestMigrateTenant_ExplicitComplianceReplacesRequirement(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1, "SOC2")

	_, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierDedicated, []string{"HIPAA"})

	require.NoError(t, err)
	tenant := getTenant(t, repo, "t1")
	assert.Equal(t, []string{"HIPAA"}, tenant.RequiredCompliance)
	assert.Equal(t, []string{"HIPAA"}, getCell(t, repo, tenant.AssignedCellID).ComplianceFeatures)
}

func TestMigrateTenant_SharedDestinationExcludesSource(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedCell(t, repo, shared("s2", "eastus", 50, 100))
	seedTenant(t, repo, "t1", model.TierStartup, s1)

	result, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierSMB, nil)

	require.NoError(t, err)
	assert.Equal(t, "cell-eastus-shared-s2", result.TargetCellName)
	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)
	assert.Equal(t, 51, getCell(t, repo, "s2").CurrentTenantCount)
	assert.Equal(t, model.TierSMB, getTenant(t, repo, "t1").Tier)
}

func TestMigrateTenant_IsolationViolation(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	d1 := seedCell(t, repo, dedicated("d1", "eastus", 1))
	seedCell(t, repo, shared("s1", "eastus", 0, 100))
	seedTenant(t, repo, "big-co", model.TierEnterprise, d1)

	for _, target := range []model.Tier{model.TierShared, model.TierSMB, model.TierStartup} {
		_, err := h.migration.MigrateTenant(context.Background(), "big-co", target, nil)
		assert.True(t, perrors.IsKind(err, perrors.KindIsolationViolation), string(target))
	}

	tenant := getTenant(t, repo, "big-co")
	assert.Equal(t, "d1", tenant.AssignedCellID)
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)
}

func TestMigrateTenant_RejectsBadInput(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	suspended := seedTenant(t, repo, "t1", model.TierSMB, s1)
	suspended.Status = model.TenantStatusSuspended
	_, err := repo.UpdateTenant(context.Background(), suspended)
	require.NoError(t, err)

	_, err = h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)
	assert.True(t, perrors.IsKind(err, perrors.KindInvalidState))

	_, err = h.migration.MigrateTenant(context.Background(), "ghost", model.TierEnterprise, nil)
	assert.True(t, perrors.IsKind(err, perrors.KindNotFound))

	_, err = h.migration.MigrateTenant(context.Background(), "t1", model.Tier("Gold"), nil)
	assert.True(t, perrors.IsKind(err, perrors.KindInvalidArgument))

	assert.Empty(t, cellsIn(t, repo, "eastus", model.CellTypeDedicated))
}

func TestMigrateTenant_CompensatesFailedSwitch(t *testing.T) {
	repo := newFaultyRepo()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)
	repo.updateTenantErrs[2] = errors.New("write timeout")

	_, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)

	require.Error(t, err)
	assert.True(t, perrors.IsKind(err, perrors.KindMigrationFailed))
	assert.True(t, perrors.IsKind(err, perrors.KindStorage))

	tenant := getTenant(t, repo, "t1")
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, "s1", tenant.AssignedCellID)
	assert.Equal(t, model.TierSMB, tenant.Tier)
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)

	dedicatedCells := cellsIn(t, repo, "eastus", model.CellTypeDedicated)
	require.Len(t, dedicatedCells, 1)
	assert.Equal(t, 0, dedicatedCells[0].CurrentTenantCount)
	assert.Equal(t, model.CellStatusDeprecated, dedicatedCells[0].Status)

	intent, err := h.migration.GetMigration(context.Background(), migrationIDOf(t, err))
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseRolledBack, intent.Phase)
	assert.Contains(t, intent.ErrorMessage, "write timeout")
}

func TestMigrateTenant_ReservationFailureRollsBack(t *testing.T) {
	repo := newFaultyRepo()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedCell(t, repo, shared("s2", "eastus", 10, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)
	repo.setCellUpdateErr(func(c *model.Cell) error {
		if c.CellID == "s2" {
			return store.ErrVersionConflict
		}
		return nil
	})

	_, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierShared, nil)

	assert.True(t, perrors.IsKind(err, perrors.KindMigrationFailed))
	assert.True(t, perrors.IsKind(err, perrors.KindVersionConflict))
	tenant := getTenant(t, repo, "t1")
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, "s1", tenant.AssignedCellID)
	assert.Equal(t, 10, getCell(t, repo, "s2").CurrentTenantCount)
}

func TestMigrateTenant_RollbackRetiresProvisionedDestination(t *testing.T) {
	repo := newFaultyRepo()
	h := newHarness(t, repo, func(c *harnessConfig) {
		c.provisioning.MaxDedicatedCellsPerRegion = 1
	})
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)
	repo.setCellUpdateErr(func(c *model.Cell) error {
		if c.Type == model.CellTypeDedicated && c.CurrentTenantCount == 1 {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)
	require.Error(t, err)

	intent, err := h.migration.GetMigration(context.Background(), migrationIDOf(t, err))
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseRolledBack, intent.Phase)
	assert.True(t, intent.TargetProvisioned)
	retired := getCell(t, repo, intent.TargetCellID)
	assert.Equal(t, model.CellStatusDeprecated, retired.Status)
	assert.Equal(t, 0, retired.CurrentTenantCount)

	// The retired cell no longer holds the region's only dedicated slot
	repo.setCellUpdateErr(nil)
	result, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)
	require.NoError(t, err)
	assert.NotEqual(t, retired.CellName, result.TargetCellName)
	assert.Equal(t, model.TierEnterprise, getTenant(t, repo, "t1").Tier)
}

func TestRecoverPending_RollbackRetiresProvisionedDestination(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	d1 := seedCell(t, repo, dedicated("d1", "eastus", 1))
	markMigrating(t, repo, seedTenant(t, repo, "t1", model.TierSMB, s1))
	intent := seedIntent(t, repo, model.MigrationPhaseDestinationReserved, s1, d1)
	intent.TargetProvisioned = true
	require.NoError(t, repo.UpdateIntent(context.Background(), intent))

	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.RolledBack)
	cell := getCell(t, repo, "d1")
	assert.Equal(t, 0, cell.CurrentTenantCount)
	assert.Equal(t, model.CellStatusDeprecated, cell.Status)

	stored, err := h.migration.GetMigration(context.Background(), intent.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseRolledBack, stored.Phase)
}

func TestMigrateTenant_RecoveryFinishesSwitchedMigration(t *testing.T) {
	repo := newFaultyRepo()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)
	repo.setCellUpdateErr(func(c *model.Cell) error {
		if c.CellID == "s1" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)
	require.Error(t, err)
	migrationID := migrationIDOf(t, err)

	intent, err := h.migration.GetMigration(context.Background(), migrationID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseTenantSwitched, intent.Phase)
	assert.Equal(t, intent.TargetCellID, getTenant(t, repo, "t1").AssignedCellID)
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)

	repo.setCellUpdateErr(nil)
	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Equal(t, 1, result.Completed)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)

	intent, err = h.migration.GetMigration(context.Background(), migrationID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseCompleted, intent.Phase)
}

func seedIntent(t *testing.T, repo store.Repository, phase model.MigrationPhase, source, target *model.Cell) *model.MigrationIntent {
	t.Helper()
	intent := &model.MigrationIntent{
		MigrationID:       "m-" + string(phase),
		TenantID:          "t1",
		SourceCellID:      source.CellID,
		SourceCellName:    source.CellName,
		SourceBackendPool: source.BackendPool,
		SourceTier:        model.TierSMB,
		TargetCellID:      target.CellID,
		TargetCellName:    target.CellName,
		TargetBackendPool: target.BackendPool,
		TargetTier:        model.TierShared,
		Phase:             phase,
	}
	require.NoError(t, repo.CreateIntent(context.Background(), intent))
	return intent
}

func markMigrating(t *testing.T, repo store.Repository, tenant *model.Tenant) {
	t.Helper()
	tenant.Status = model.TenantStatusMigrating
	_, err := repo.UpdateTenant(context.Background(), tenant)
	require.NoError(t, err)
}

func TestRecoverPending_RollsBackStartedIntent(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	s2 := seedCell(t, repo, shared("s2", "eastus", 3, 100))
	markMigrating(t, repo, seedTenant(t, repo, "t1", model.TierSMB, s1))
	intent := seedIntent(t, repo, model.MigrationPhaseStarted, s1, s2)

	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.RolledBack)
	tenant := getTenant(t, repo, "t1")
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, "s1", tenant.AssignedCellID)
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)
	assert.Equal(t, 3, getCell(t, repo, "s2").CurrentTenantCount)

	stored, err := h.migration.GetMigration(context.Background(), intent.MigrationID)
	require.NoError(t, err)
	assert.Equal(t, model.MigrationPhaseRolledBack, stored.Phase)
}

func TestRecoverPending_ReleasesReservedDestination(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	s2 := seedCell(t, repo, shared("s2", "eastus", 4, 100))
	markMigrating(t, repo, seedTenant(t, repo, "t1", model.TierSMB, s1))
	seedIntent(t, repo, model.MigrationPhaseDestinationReserved, s1, s2)

	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.RolledBack)
	assert.Equal(t, 3, getCell(t, repo, "s2").CurrentTenantCount)
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)
	assert.Equal(t, "s1", getTenant(t, repo, "t1").AssignedCellID)
}

func TestRecoverPending_CompletesCommittedSwitch(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	s2 := seedCell(t, repo, shared("s2", "eastus", 4, 100))
	seedTenant(t, repo, "t1", model.TierShared, s2)
	seedIntent(t, repo, model.MigrationPhaseDestinationReserved, s1, s2)

	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)
	assert.Equal(t, 4, getCell(t, repo, "s2").CurrentTenantCount)
}

func TestRecoverPending_RespectsGracePeriod(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo, func(c *harnessConfig) {
		c.migration.RecoveryGrace = time.Hour
	})
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	s2 := seedCell(t, repo, shared("s2", "eastus", 0, 100))
	markMigrating(t, repo, seedTenant(t, repo, "t1", model.TierSMB, s1))
	seedIntent(t, repo, model.MigrationPhaseStarted, s1, s2)

	result, err := h.migration.RecoverPending(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, result.Examined)
	assert.Equal(t, model.TenantStatusMigrating, getTenant(t, repo, "t1").Status)
}

func TestMigrateTenant_InvalidatesCachedTenant(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)

	cached, err := h.tenants.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TierSMB, cached.Tier)

	_, err = h.migration.MigrateTenant(context.Background(), "t1", model.TierEnterprise, nil)
	require.NoError(t, err)

	fresh, err := h.tenants.GetTenant(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TierEnterprise, fresh.Tier)
}

func TestGetMigration_NotFound(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)

	_, err := h.migration.GetMigration(context.Background(), "missing")

	assert.True(t, perrors.IsKind(err, perrors.KindNotFound))
}

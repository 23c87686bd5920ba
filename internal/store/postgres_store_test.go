package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/devrev/stamps/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestPostgresStore connects to PLACEMENT_TEST_DATABASE_URL or skips
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("PLACEMENT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PLACEMENT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := NewPostgresStoreFromURL(ctx, url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPostgresStore_CellConditionalUpdate(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	id := uuid.New().String()

	created, err := s.CreateCell(ctx, &model.Cell{
		CellID:             id,
		CellName:           "cell-pgtest-shared-" + id[:8],
		BackendPool:        "pool-pgtest-shared-" + id[:8],
		Type:               model.CellTypeShared,
		Region:             "pgtest",
		MaxTenantCount:     10,
		Status:             model.CellStatusActive,
		ComplianceFeatures: []string{"SOC2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = s.CreateCell(ctx, created)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	next := created.Clone()
	next.CurrentTenantCount = 1
	updated, err := s.ConditionalUpdateCell(ctx, next, created.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, 1, updated.CurrentTenantCount)

	_, err = s.ConditionalUpdateCell(ctx, next, created.Version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := s.GetCell(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOC2"}, got.ComplianceFeatures)

	cells, err := s.QueryCells(ctx, CellFilter{Region: "pgtest", Type: model.CellTypeShared})
	require.NoError(t, err)
	assert.NotEmpty(t, cells)

	placeable, err := s.QueryCells(ctx, CellFilter{
		Region:   "pgtest",
		Statuses: []model.CellStatus{model.CellStatusActive, model.CellStatusProvisioning},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, placeable)

	retired, err := s.QueryCells(ctx, CellFilter{
		Region:   "pgtest",
		Statuses: []model.CellStatus{model.CellStatusDeprecated},
	})
	require.NoError(t, err)
	for _, c := range retired {
		assert.NotEqual(t, id, c.CellID)
	}

	_, err = s.GetCell(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_TenantsAndIntents(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	id := uuid.New().String()

	tenant, err := s.CreateTenant(ctx, &model.Tenant{
		TenantID:       id,
		Subdomain:      "pg-" + id,
		Tier:           model.TierSMB,
		Region:         "pgtest",
		Status:         model.TenantStatusActive,
		AssignedCellID: "c-1",
	})
	require.NoError(t, err)

	tenant.Status = model.TenantStatusMigrating
	updated, err := s.UpdateTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, tenant.Version+1, updated.Version)

	intent := &model.MigrationIntent{
		MigrationID:       uuid.New().String(),
		TenantID:          id,
		SourceCellID:      "c-1",
		TargetCellID:      "c-2",
		SourceTier:        model.TierSMB,
		TargetTier:        model.TierEnterprise,
		TargetProvisioned: true,
		Phase:             model.MigrationPhaseStarted,
	}
	require.NoError(t, s.CreateIntent(ctx, intent))

	stored, err := s.GetIntent(ctx, intent.MigrationID)
	require.NoError(t, err)
	assert.True(t, stored.TargetProvisioned)

	stale := intent.Clone()
	intent.Phase = model.MigrationPhaseDestinationReserved
	require.NoError(t, s.UpdateIntent(ctx, intent))
	assert.ErrorIs(t, s.UpdateIntent(ctx, stale), ErrVersionConflict)

	pending, err := s.ListPendingIntents(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	found := false
	for _, p := range pending {
		if p.MigrationID == intent.MigrationID {
			found = true
			assert.Equal(t, model.MigrationPhaseDestinationReserved, p.Phase)
		}
	}
	assert.True(t, found)
}

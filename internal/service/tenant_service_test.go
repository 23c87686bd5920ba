package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	perrors "github.com/devrev/stamps/internal/errors"
	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTenant_AppliesDefaults(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	seedCell(t, repo, shared("s1", "eastus", 0, 100))

	tenant, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{Subdomain: "acme"})

	require.NoError(t, err)
	assert.NotEmpty(t, tenant.TenantID)
	assert.Equal(t, model.TierShared, tenant.Tier)
	assert.Equal(t, "eastus", tenant.Region)
	assert.Equal(t, model.TenantStatusActive, tenant.Status)
	assert.Equal(t, "s1", tenant.AssignedCellID)
	assert.Equal(t, "pool-s1", tenant.AssignedBackendPool)
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)
}

func TestCreateTenant_EnterpriseGetsDedicatedCell(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	seedCell(t, repo, shared("s1", "westus", 0, 100))

	tenant, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{
		TenantID:           "big-co",
		Subdomain:          "big",
		Tier:               "Enterprise",
		Region:             "westus",
		RequiredCompliance: []string{"HIPAA"},
	})

	require.NoError(t, err)
	cell := getCell(t, repo, tenant.AssignedCellID)
	assert.Equal(t, model.CellTypeDedicated, cell.Type)
	assert.Equal(t, []string{"HIPAA"}, cell.ComplianceFeatures)
}

func TestCreateTenant_RejectsInvalidRequests(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	seedCell(t, repo, shared("s1", "eastus", 0, 100))

	_, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{})
	assert.True(t, perrors.IsKind(err, perrors.KindInvalidArgument))

	_, err = h.tenants.CreateTenant(context.Background(), CreateTenantRequest{Subdomain: "x", Tier: "Gold"})
	assert.True(t, perrors.IsKind(err, perrors.KindInvalidArgument))

	assert.Equal(t, 0, getCell(t, repo, "s1").CurrentTenantCount)
}

func TestCreateTenant_DuplicateID(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	seedCell(t, repo, shared("s1", "eastus", 0, 100))

	_, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{TenantID: "t1", Subdomain: "one"})
	require.NoError(t, err)

	_, err = h.tenants.CreateTenant(context.Background(), CreateTenantRequest{TenantID: "t1", Subdomain: "other"})

	assert.True(t, perrors.IsKind(err, perrors.KindAlreadyExists))
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)
}

func TestCreateTenant_DuplicateSubdomainReleasesSlot(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	seedCell(t, repo, shared("s1", "eastus", 0, 100))

	_, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{TenantID: "t1", Subdomain: "acme"})
	require.NoError(t, err)

	_, err = h.tenants.CreateTenant(context.Background(), CreateTenantRequest{TenantID: "t2", Subdomain: "acme"})

	assert.True(t, perrors.IsKind(err, perrors.KindAlreadyExists))
	assert.Equal(t, 1, getCell(t, repo, "s1").CurrentTenantCount)
}

func TestCreateTenant_PlacementFailure(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)

	_, err := h.tenants.CreateTenant(context.Background(), CreateTenantRequest{Subdomain: "acme", Region: "nowhere"})

	assert.True(t, perrors.IsKind(err, perrors.KindNoCellsAvailable))
	_, err = h.tenants.GetTenant(context.Background(), "acme")
	assert.True(t, perrors.IsKind(err, perrors.KindNotFound))
}

func TestGetTenant_ServesFromCache(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)

	stale := &model.Tenant{TenantID: "t1", Subdomain: "t1", Tier: model.TierStartup}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(context.Background(), TenantCacheKey("t1"), data, time.Minute))

	tenant, err := h.tenants.GetTenant(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, model.TierStartup, tenant.Tier)
}

func TestGetTenant_PopulatesCache(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)
	s1 := seedCell(t, repo, shared("s1", "eastus", 1, 100))
	seedTenant(t, repo, "t1", model.TierSMB, s1)

	_, err := h.tenants.GetTenant(context.Background(), "t1")
	require.NoError(t, err)

	data, err := h.cache.Get(context.Background(), TenantCacheKey("t1"))
	require.NoError(t, err)
	var cached model.Tenant
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, "s1", cached.AssignedCellID)
}

func TestGetTenant_NotFound(t *testing.T) {
	repo := store.NewMemoryStore()
	h := newHarness(t, repo)

	_, err := h.tenants.GetTenant(context.Background(), "ghost")

	assert.True(t, perrors.IsKind(err, perrors.KindNotFound))
}

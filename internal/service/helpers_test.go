package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockNotifier is a mock implementation of notifier.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyCellCreated(ctx context.Context, cell *model.Cell) error {
	args := m.Called(ctx, cell)
	return args.Error(0)
}

// faultyRepo wraps a MemoryStore and injects failures into selected calls
type faultyRepo struct {
	*store.MemoryStore

	mu                sync.Mutex
	queryCellsErr     error
	queryTenantsErr   error
	updateTenantErrs  map[int]error // keyed by 1-based call number
	updateTenantCalls int
	cellUpdateErr     func(cell *model.Cell) error
}

func newFaultyRepo() *faultyRepo {
	return &faultyRepo{
		MemoryStore:      store.NewMemoryStore(),
		updateTenantErrs: make(map[int]error),
	}
}

func (r *faultyRepo) QueryCells(ctx context.Context, filter store.CellFilter) ([]*model.Cell, error) {
	r.mu.Lock()
	err := r.queryCellsErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryStore.QueryCells(ctx, filter)
}

func (r *faultyRepo) QueryTenants(ctx context.Context, filter store.TenantFilter) ([]*model.Tenant, error) {
	r.mu.Lock()
	err := r.queryTenantsErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryStore.QueryTenants(ctx, filter)
}

func (r *faultyRepo) UpdateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	r.mu.Lock()
	r.updateTenantCalls++
	err := r.updateTenantErrs[r.updateTenantCalls]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.MemoryStore.UpdateTenant(ctx, tenant)
}

func (r *faultyRepo) ConditionalUpdateCell(ctx context.Context, cell *model.Cell, expectedVersion int64) (*model.Cell, error) {
	r.mu.Lock()
	hook := r.cellUpdateErr
	r.mu.Unlock()
	if hook != nil {
		if err := hook(cell); err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.ConditionalUpdateCell(ctx, cell, expectedVersion)
}

func (r *faultyRepo) setCellUpdateErr(hook func(cell *model.Cell) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cellUpdateErr = hook
}

type harnessConfig struct {
	provisioning ProvisioningConfig
	counter      CounterConfig
	capacity     CapacityConfig
	migration    MigrationConfig
}

type harness struct {
	repo        store.Repository
	cache       *store.InMemoryCache
	notifier    *MockNotifier
	provisioner *ProvisioningService
	assigner    *AssignmentService
	capacity    *CapacityService
	migration   *MigrationService
	tenants     *TenantService
}

func newHarness(t *testing.T, repo store.Repository, opts ...func(*harnessConfig)) *harness {
	t.Helper()

	cfg := harnessConfig{
		provisioning: ProvisioningConfig{
			SharedCellMaxTenants:       100,
			MaxSharedCellsPerRegion:    10,
			MaxDedicatedCellsPerRegion: 5,
			AutoActivate:               true,
		},
		counter: CounterConfig{Attempts: 3},
		capacity: CapacityConfig{
			UtilizationThreshold: 0.8,
			MaxConcurrentRegions: 4,
			SnapshotTTL:          time.Minute,
		},
		migration: MigrationConfig{
			EstimatedDuration: 24 * time.Hour,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	cache := store.NewInMemoryCache(100, logger)
	t.Cleanup(cache.Close)

	n := new(MockNotifier)
	n.On("NotifyCellCreated", mock.Anything, mock.Anything).Return(nil).Maybe()

	provisioner := NewProvisioningService(repo, n, cfg.provisioning, cfg.counter, nil, logger)
	assigner := NewAssignmentService(repo, provisioner, cfg.counter, nil, logger)

	return &harness{
		repo:        repo,
		cache:       cache,
		notifier:    n,
		provisioner: provisioner,
		assigner:    assigner,
		capacity:    NewCapacityService(repo, provisioner, cache, cfg.capacity, cfg.counter, nil, logger),
		migration:   NewMigrationService(repo, assigner, cache, cfg.migration, cfg.counter, nil, logger),
		tenants:     NewTenantService(repo, assigner, cache, time.Minute, "eastus", cfg.counter, nil, logger),
	}
}

var seedClock = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// seedCell stores a cell; cells seeded later sort after earlier ones
func seedCell(t *testing.T, repo store.Repository, cell *model.Cell) *model.Cell {
	t.Helper()
	if cell.CreatedAt.IsZero() {
		seedClock = seedClock.Add(time.Second)
		cell.CreatedAt = seedClock
	}
	if cell.Status == "" {
		cell.Status = model.CellStatusActive
	}
	if cell.BackendPool == "" {
		cell.BackendPool = "pool-" + cell.CellID
	}
	created, err := repo.CreateCell(context.Background(), cell)
	require.NoError(t, err)
	return created
}

func shared(id, region string, count, max int, compliance ...string) *model.Cell {
	return &model.Cell{
		CellID:             id,
		CellName:           "cell-" + region + "-shared-" + id,
		Type:               model.CellTypeShared,
		Region:             region,
		MaxTenantCount:     max,
		CurrentTenantCount: count,
		ComplianceFeatures: compliance,
	}
}

func dedicated(id, region string, count int, compliance ...string) *model.Cell {
	return &model.Cell{
		CellID:             id,
		CellName:           "cell-" + region + "-dedicated-" + id,
		Type:               model.CellTypeDedicated,
		Region:             region,
		MaxTenantCount:     1,
		CurrentTenantCount: count,
		ComplianceFeatures: compliance,
	}
}

// seedTenant stores an Active tenant assigned to cell
func seedTenant(t *testing.T, repo store.Repository, id string, tier model.Tier, cell *model.Cell, compliance ...string) *model.Tenant {
	t.Helper()
	created, err := repo.CreateTenant(context.Background(), &model.Tenant{
		TenantID:            id,
		Subdomain:           id,
		Tier:                tier,
		Region:              cell.Region,
		RequiredCompliance:  compliance,
		Status:              model.TenantStatusActive,
		AssignedCellID:      cell.CellID,
		AssignedCellName:    cell.CellName,
		AssignedBackendPool: cell.BackendPool,
	})
	require.NoError(t, err)
	return created
}

func getCell(t *testing.T, repo store.Repository, id string) *model.Cell {
	t.Helper()
	cell, err := repo.GetCell(context.Background(), id)
	require.NoError(t, err)
	return cell
}

func cellsIn(t *testing.T, repo store.Repository, region string, cellType model.CellType) []*model.Cell {
	t.Helper()
	cells, err := repo.QueryCells(context.Background(), store.CellFilter{Region: region, Type: cellType})
	require.NoError(t, err)
	return cells
}

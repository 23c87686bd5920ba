package service

import (
	"context"
	"encoding/json"
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

// CreateTenantRequest carries the caller-supplied tenant fields
type CreateTenantRequest struct {
	TenantID           string   `json:"tenant_id"`
	Subdomain          string   `json:"subdomain"`
	Name               string   `json:"name"`
	Tier               string   `json:"tier"`
	Region             string   `json:"region"`
	RequiredCompliance []string `json:"required_compliance"`
}

// TenantService creates tenants and serves tenant reads through a cache
type TenantService struct {
	tenants       store.TenantRepository
	assigner      *AssignmentService
	updater       *cellUpdater
	cache         store.Cache
	cacheTTL      time.Duration
	defaultRegion string
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewTenantService creates a new tenant service
func NewTenantService(
	repo store.Repository,
	assigner *AssignmentService,
	cache store.Cache,
	cacheTTL time.Duration,
	defaultRegion string,
	counterCfg CounterConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *TenantService {
	return &TenantService{
		tenants:       repo,
		assigner:      assigner,
		updater:       newCellUpdater(repo, counterCfg.Attempts, counterCfg.Backoff, m, logger),
		cache:         cache,
		cacheTTL:      cacheTTL,
		defaultRegion: defaultRegion,
		metrics:       m,
		logger:        logger,
	}
}

// TenantCacheKey generates the cache key for a tenant
func TenantCacheKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

// GetTenant retrieves a tenant, using cache if available
func (s *TenantService) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	cacheKey := TenantCacheKey(tenantID)
	if data, err := s.cache.Get(ctx, cacheKey); err == nil {
		var tenant model.Tenant
		if err := json.Unmarshal(data, &tenant); err == nil {
			s.metrics.RecordCacheHit("tenant")
			s.logger.Debug("Tenant retrieved from cache", zap.String("tenant_id", tenantID))
			return &tenant, nil
		}
	}
	s.metrics.RecordCacheMiss("tenant")

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, perrors.NotFound("tenant", tenantID)
	}
	if err != nil {
		return nil, storageError("failed to fetch tenant", err)
	}

	s.cacheTenant(ctx, tenant)
	return tenant, nil
}

// CreateTenant applies defaults, places the tenant on a cell and stores it Active.
// If the tenant record cannot be stored the reserved cell slot is released.
func (s *TenantService) CreateTenant(ctx context.Context, req CreateTenantRequest) (*model.Tenant, error) {
	if req.Subdomain == "" {
		return nil, perrors.InvalidArgument("subdomain is required")
	}
	tenant := &model.Tenant{
		TenantID:           req.TenantID,
		Subdomain:          req.Subdomain,
		Name:               req.Name,
		Tier:               model.Tier(req.Tier),
		Region:             req.Region,
		RequiredCompliance: append([]string(nil), req.RequiredCompliance...),
		Status:             model.TenantStatusProvisioning,
	}
	if tenant.TenantID == "" {
		tenant.TenantID = uuid.New().String()
	}
	if tenant.Tier == "" {
		tenant.Tier = model.TierShared
	}
	if tenant.Region == "" {
		tenant.Region = s.defaultRegion
	}
	if !tenant.Tier.IsValid() {
		return nil, perrors.InvalidArgument(fmt.Sprintf("unknown tier %q", req.Tier))
	}

	if _, err := s.tenants.GetTenant(ctx, tenant.TenantID); err == nil {
		return nil, perrors.AlreadyExists("tenant", tenant.TenantID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, storageError("failed to check tenant", err)
	}

	placement, err := s.assigner.AssignCell(ctx, tenant)
	if err != nil {
		return nil, err
	}

	tenant.AssignedCellID = placement.CellID
	tenant.AssignedCellName = placement.CellName
	tenant.AssignedBackendPool = placement.BackendPool
	tenant.Status = model.TenantStatusActive

	created, err := s.tenants.CreateTenant(ctx, tenant)
	if err != nil {
		s.releaseSlot(ctx, tenant.TenantID, placement.CellID)
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, perrors.AlreadyExists("tenant", tenant.TenantID).WithDetail("subdomain", tenant.Subdomain)
		}
		return nil, storageError("failed to create tenant", err)
	}

	s.logger.Info("Created tenant",
		zap.String("tenant_id", created.TenantID),
		zap.String("subdomain", created.Subdomain),
		zap.String("tier", string(created.Tier)),
		zap.String("region", created.Region),
		zap.String("cell_name", created.AssignedCellName),
		zap.Bool("provisioned_cell", placement.Provisioned))

	s.cacheTenant(ctx, created)
	return created, nil
}

// releaseSlot undoes the counter increment of a placement whose tenant was never stored
func (s *TenantService) releaseSlot(ctx context.Context, tenantID, cellID string) {
	if _, err := s.updater.decrement(context.WithoutCancel(ctx), cellID); err != nil {
		s.logger.Error("Failed to release cell slot after tenant creation failure",
			zap.String("tenant_id", tenantID),
			zap.String("cell_id", cellID),
			zap.Error(err))
	}
}

func (s *TenantService) cacheTenant(ctx context.Context, tenant *model.Tenant) {
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, TenantCacheKey(tenant.TenantID), data, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache tenant",
			zap.String("tenant_id", tenant.TenantID),
			zap.Error(err))
	}
}

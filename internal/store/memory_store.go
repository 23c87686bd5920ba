package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/stamps/internal/model"
)

// MemoryStore implements Repository in process memory. It is used when no database is
// configured and in tests. The mutex only makes each single write atomic, the same
// guarantee a document store gives for one conditional write.
type MemoryStore struct {
	mu         sync.RWMutex
	cells      map[string]*model.Cell
	tenants    map[string]*model.Tenant
	subdomains map[string]string // subdomain -> tenantID
	intents    map[string]*model.MigrationIntent
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory repository
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cells:      make(map[string]*model.Cell),
		tenants:    make(map[string]*model.Tenant),
		subdomains: make(map[string]string),
		intents:    make(map[string]*model.MigrationIntent),
		now:        time.Now,
	}
}

// GetCell retrieves a cell by ID
func (s *MemoryStore) GetCell(ctx context.Context, cellID string) (*model.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cell, ok := s.cells[cellID]
	if !ok {
		return nil, ErrNotFound
	}
	return cell.Clone(), nil
}

// QueryCells lists cells matching filter, ordered by creation time
func (s *MemoryStore) QueryCells(ctx context.Context, filter CellFilter) ([]*model.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cells := make([]*model.Cell, 0)
	for _, c := range s.cells {
		if filter.Matches(c) {
			cells = append(cells, c.Clone())
		}
	}
	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].CreatedAt.Equal(cells[j].CreatedAt) {
			return cells[i].CellID < cells[j].CellID
		}
		return cells[i].CreatedAt.Before(cells[j].CreatedAt)
	})
	return cells, nil
}

// CreateCell stores a new cell with version 1
func (s *MemoryStore) CreateCell(ctx context.Context, cell *model.Cell) (*model.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cells[cell.CellID]; exists {
		return nil, ErrAlreadyExists
	}
	stored := cell.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	s.cells[stored.CellID] = stored
	return stored.Clone(), nil
}

// ConditionalUpdateCell replaces a cell if its stored version matches expectedVersion
func (s *MemoryStore) ConditionalUpdateCell(ctx context.Context, cell *model.Cell, expectedVersion int64) (*model.Cell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cells[cell.CellID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	stored := cell.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.now()
	stored.Version = expectedVersion + 1
	s.cells[stored.CellID] = stored
	return stored.Clone(), nil
}

// GetTenant retrieves a tenant by ID
func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return tenant.Clone(), nil
}

// QueryTenants lists tenants matching filter, ordered by ID
func (s *MemoryStore) QueryTenants(ctx context.Context, filter TenantFilter) ([]*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]*model.Tenant, 0)
	for _, t := range s.tenants {
		if filter.Matches(t) {
			tenants = append(tenants, t.Clone())
		}
	}
	sort.Slice(tenants, func(i, j int) bool {
		return tenants[i].TenantID < tenants[j].TenantID
	})
	return tenants, nil
}

// CreateTenant stores a new tenant; tenant ID and subdomain must be unique
func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenant.TenantID]; exists {
		return nil, ErrAlreadyExists
	}
	if tenant.Subdomain != "" {
		if _, taken := s.subdomains[tenant.Subdomain]; taken {
			return nil, ErrAlreadyExists
		}
	}
	stored := tenant.Clone()
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	stored.Version = 1
	s.tenants[stored.TenantID] = stored
	if stored.Subdomain != "" {
		s.subdomains[stored.Subdomain] = stored.TenantID
	}
	return stored.Clone(), nil
}

// UpdateTenant replaces a tenant record and bumps its version
func (s *MemoryStore) UpdateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tenants[tenant.TenantID]
	if !ok {
		return nil, ErrNotFound
	}
	if tenant.Subdomain != current.Subdomain {
		return nil, fmt.Errorf("subdomain of tenant %s is immutable", tenant.TenantID)
	}
	stored := tenant.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.now()
	stored.Version = current.Version + 1
	s.tenants[stored.TenantID] = stored
	return stored.Clone(), nil
}

// CreateIntent stores a new migration intent
func (s *MemoryStore) CreateIntent(ctx context.Context, intent *model.MigrationIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[intent.MigrationID]; exists {
		return ErrAlreadyExists
	}
	stored := intent.Clone()
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.Version = 1
	s.intents[stored.MigrationID] = stored
	intent.CreatedAt, intent.UpdatedAt, intent.Version = now, now, 1
	return nil
}

// UpdateIntent replaces a migration intent if its version matches
func (s *MemoryStore) UpdateIntent(ctx context.Context, intent *model.MigrationIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.intents[intent.MigrationID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != intent.Version {
		return ErrVersionConflict
	}
	stored := intent.Clone()
	stored.CreatedAt = current.CreatedAt
	stored.UpdatedAt = s.now()
	stored.Version = current.Version + 1
	s.intents[stored.MigrationID] = stored
	intent.UpdatedAt, intent.Version = stored.UpdatedAt, stored.Version
	return nil
}

// GetIntent retrieves a migration intent by ID
func (s *MemoryStore) GetIntent(ctx context.Context, migrationID string) (*model.MigrationIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	intent, ok := s.intents[migrationID]
	if !ok {
		return nil, ErrNotFound
	}
	return intent.Clone(), nil
}

// ListPendingIntents returns non-terminal intents not touched since olderThan
func (s *MemoryStore) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]*model.MigrationIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	intents := make([]*model.MigrationIntent, 0)
	for _, in := range s.intents {
		if in.Phase.IsTerminal() || in.UpdatedAt.After(olderThan) {
			continue
		}
		intents = append(intents, in.Clone())
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *MemoryStore) Close() {}

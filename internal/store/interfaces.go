package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/devrev/stamps/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a conditional write loses against a concurrent writer
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned when a unique key is already taken
	ErrAlreadyExists = errors.New("already exists")
)

// CellFilter narrows a cell query. Zero values match everything.
type CellFilter struct {
	Region string
	Status model.CellStatus
	// Statuses matches any of the listed statuses and is combined with Status
	Statuses []model.CellStatus
	Type     model.CellType
}

// Matches reports whether the cell passes the filter
func (f CellFilter) Matches(c *model.Cell) bool {
	if f.Region != "" && c.Region != f.Region {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	return true
}

// TenantFilter narrows a tenant query. Zero values match everything.
type TenantFilter struct {
	Status model.TenantStatus
	Region string
	CellID string
}

// Matches reports whether the tenant passes the filter
func (f TenantFilter) Matches(t *model.Tenant) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Region != "" && t.Region != f.Region {
		return false
	}
	if f.CellID != "" && t.AssignedCellID != f.CellID {
		return false
	}
	return true
}

// CellRepository stores cell records with conditional writes
type CellRepository interface {
	GetCell(ctx context.Context, cellID string) (*model.Cell, error)
	QueryCells(ctx context.Context, filter CellFilter) ([]*model.Cell, error)
	// CreateCell stores a new cell and returns it with its initial version
	CreateCell(ctx context.Context, cell *model.Cell) (*model.Cell, error)
	// ConditionalUpdateCell writes cell only if the stored version equals expectedVersion.
	// Returns ErrVersionConflict otherwise.
	ConditionalUpdateCell(ctx context.Context, cell *model.Cell, expectedVersion int64) (*model.Cell, error)
}

// TenantRepository stores tenant records
type TenantRepository interface {
	GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error)
	QueryTenants(ctx context.Context, filter TenantFilter) ([]*model.Tenant, error)
	CreateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error)
	UpdateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error)
}

// MigrationIntentStore persists migration saga progress
type MigrationIntentStore interface {
	CreateIntent(ctx context.Context, intent *model.MigrationIntent) error
	UpdateIntent(ctx context.Context, intent *model.MigrationIntent) error
	GetIntent(ctx context.Context, migrationID string) (*model.MigrationIntent, error)
	// ListPendingIntents returns non-terminal intents last updated before olderThan
	ListPendingIntents(ctx context.Context, olderThan time.Time) ([]*model.MigrationIntent, error)
}

// Repository bundles every record store the engine uses
type Repository interface {
	CellRepository
	TenantRepository
	MigrationIntentStore

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// Cache interface for snapshot and tenant caching
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

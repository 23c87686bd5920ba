package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/devrev/stamps/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// PostgresStore implements Repository for PostgreSQL. Every row carries a version column
// and conditional writes compare it in the WHERE clause.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL repository
func NewPostgresStore(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)
	return NewPostgresStoreFromURL(ctx, connString, logger)
}

// NewPostgresStoreFromURL creates a PostgreSQL repository from a connection string
func NewPostgresStoreFromURL(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// EnsureSchema creates the tables if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const cellColumns = `cell_id, cell_name, backend_pool, cell_type, region, max_tenant_count,
	current_tenant_count, status, compliance_features, cpu_utilization, memory_utilization,
	storage_utilization, created_at, updated_at, version`

func scanCell(row pgx.Row) (*model.Cell, error) {
	var c model.Cell
	var cellType, status string
	err := row.Scan(
		&c.CellID,
		&c.CellName,
		&c.BackendPool,
		&cellType,
		&c.Region,
		&c.MaxTenantCount,
		&c.CurrentTenantCount,
		&status,
		&c.ComplianceFeatures,
		&c.CPUUtilization,
		&c.MemoryUtilization,
		&c.StorageUtilization,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.Version,
	)
	if err != nil {
		return nil, err
	}
	c.Type = model.CellType(cellType)
	c.Status = model.CellStatus(status)
	return &c, nil
}

// GetCell retrieves a cell by ID
func (s *PostgresStore) GetCell(ctx context.Context, cellID string) (*model.Cell, error) {
	query := `SELECT ` + cellColumns + ` FROM cells WHERE cell_id = $1`

	cell, err := scanCell(s.pool.QueryRow(ctx, query, cellID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cell: %w", err)
	}
	return cell, nil
}

// QueryCells lists cells matching filter
func (s *PostgresStore) QueryCells(ctx context.Context, filter CellFilter) ([]*model.Cell, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Region != "" {
		args = append(args, filter.Region)
		conds = append(conds, fmt.Sprintf("region = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("cell_type = $%d", len(args)))
	}

	query := `SELECT ` + cellColumns + ` FROM cells`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, cell_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()

	cells := make([]*model.Cell, 0)
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, cell)
	}
	return cells, rows.Err()
}

// CreateCell inserts a new cell with version 1
func (s *PostgresStore) CreateCell(ctx context.Context, cell *model.Cell) (*model.Cell, error) {
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	query := `
		INSERT INTO cells (cell_id, cell_name, backend_pool, cell_type, region, max_tenant_count,
			current_tenant_count, status, compliance_features, cpu_utilization, memory_utilization,
			storage_utilization, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW(), 1)
		RETURNING ` + cellColumns

	created, err := scanCell(s.pool.QueryRow(ctx, query,
		cell.CellID,
		cell.CellName,
		cell.BackendPool,
		string(cell.Type),
		cell.Region,
		cell.MaxTenantCount,
		cell.CurrentTenantCount,
		string(cell.Status),
		nonNil(cell.ComplianceFeatures),
		cell.CPUUtilization,
		cell.MemoryUtilization,
		cell.StorageUtilization,
	))
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cell: %w", err)
	}
	return created, nil
}

// ConditionalUpdateCell updates a cell only if the stored version matches expectedVersion
func (s *PostgresStore) ConditionalUpdateCell(ctx context.Context, cell *model.Cell, expectedVersion int64) (*model.Cell, error) {
	if err := cell.Validate(); err != nil {
		return nil, err
	}
	query := `
		UPDATE cells
		SET cell_name = $2, backend_pool = $3, max_tenant_count = $4, current_tenant_count = $5,
			status = $6, compliance_features = $7, cpu_utilization = $8, memory_utilization = $9,
			storage_utilization = $10, updated_at = NOW(), version = version + 1
		WHERE cell_id = $1 AND version = $11
		RETURNING ` + cellColumns

	updated, err := scanCell(s.pool.QueryRow(ctx, query,
		cell.CellID,
		cell.CellName,
		cell.BackendPool,
		cell.MaxTenantCount,
		cell.CurrentTenantCount,
		string(cell.Status),
		nonNil(cell.ComplianceFeatures),
		cell.CPUUtilization,
		cell.MemoryUtilization,
		cell.StorageUtilization,
		expectedVersion, // Optimistic locking
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the row is gone or someone else bumped the version
		if _, getErr := s.GetCell(ctx, cell.CellID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update cell: %w", err)
	}
	return updated, nil
}

const tenantColumns = `tenant_id, subdomain, name, tier, region, required_compliance, status,
	assigned_cell_id, assigned_cell_name, assigned_backend_pool, created_at, updated_at, version`

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	var t model.Tenant
	var tier, status string
	err := row.Scan(
		&t.TenantID,
		&t.Subdomain,
		&t.Name,
		&tier,
		&t.Region,
		&t.RequiredCompliance,
		&status,
		&t.AssignedCellID,
		&t.AssignedCellName,
		&t.AssignedBackendPool,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.Version,
	)
	if err != nil {
		return nil, err
	}
	t.Tier = model.Tier(tier)
	t.Status = model.TenantStatus(status)
	return &t, nil
}

// GetTenant retrieves a tenant by ID
func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*model.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE tenant_id = $1`

	tenant, err := scanTenant(s.pool.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

// QueryTenants lists tenants matching filter
func (s *PostgresStore) QueryTenants(ctx context.Context, filter TenantFilter) ([]*model.Tenant, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Region != "" {
		args = append(args, filter.Region)
		conds = append(conds, fmt.Sprintf("region = $%d", len(args)))
	}
	if filter.CellID != "" {
		args = append(args, filter.CellID)
		conds = append(conds, fmt.Sprintf("assigned_cell_id = $%d", len(args)))
	}

	query := `SELECT ` + tenantColumns + ` FROM tenants`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY tenant_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	tenants := make([]*model.Tenant, 0)
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// CreateTenant inserts a new tenant
func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	query := `
		INSERT INTO tenants (tenant_id, subdomain, name, tier, region, required_compliance, status,
			assigned_cell_id, assigned_cell_name, assigned_backend_pool, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW(), 1)
		RETURNING ` + tenantColumns

	created, err := scanTenant(s.pool.QueryRow(ctx, query,
		tenant.TenantID,
		tenant.Subdomain,
		tenant.Name,
		string(tenant.Tier),
		tenant.Region,
		nonNil(tenant.RequiredCompliance),
		string(tenant.Status),
		tenant.AssignedCellID,
		tenant.AssignedCellName,
		tenant.AssignedBackendPool,
	))
	if isUniqueViolation(err) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	return created, nil
}

// UpdateTenant updates a tenant record
func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant *model.Tenant) (*model.Tenant, error) {
	query := `
		UPDATE tenants
		SET name = $2, tier = $3, region = $4, required_compliance = $5, status = $6,
			assigned_cell_id = $7, assigned_cell_name = $8, assigned_backend_pool = $9,
			updated_at = NOW(), version = version + 1
		WHERE tenant_id = $1
		RETURNING ` + tenantColumns

	updated, err := scanTenant(s.pool.QueryRow(ctx, query,
		tenant.TenantID,
		tenant.Name,
		string(tenant.Tier),
		tenant.Region,
		nonNil(tenant.RequiredCompliance),
		string(tenant.Status),
		tenant.AssignedCellID,
		tenant.AssignedCellName,
		tenant.AssignedBackendPool,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return updated, nil
}

const intentColumns = `migration_id, tenant_id, source_cell_id, source_cell_name, source_backend_pool,
	source_tier, source_compliance, target_cell_id, target_cell_name, target_backend_pool,
	target_tier, target_compliance, target_provisioned, phase, error_message, created_at,
	updated_at, version`

func scanIntent(row pgx.Row) (*model.MigrationIntent, error) {
	var m model.MigrationIntent
	var sourceTier, targetTier, phase string
	err := row.Scan(
		&m.MigrationID,
		&m.TenantID,
		&m.SourceCellID,
		&m.SourceCellName,
		&m.SourceBackendPool,
		&sourceTier,
		&m.SourceCompliance,
		&m.TargetCellID,
		&m.TargetCellName,
		&m.TargetBackendPool,
		&targetTier,
		&m.TargetCompliance,
		&m.TargetProvisioned,
		&phase,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Version,
	)
	if err != nil {
		return nil, err
	}
	m.SourceTier = model.Tier(sourceTier)
	m.TargetTier = model.Tier(targetTier)
	m.Phase = model.MigrationPhase(phase)
	return &m, nil
}

// CreateIntent inserts a migration intent
func (s *PostgresStore) CreateIntent(ctx context.Context, intent *model.MigrationIntent) error {
	query := `
		INSERT INTO migration_intents (migration_id, tenant_id, source_cell_id, source_cell_name,
			source_backend_pool, source_tier, source_compliance, target_cell_id, target_cell_name,
			target_backend_pool, target_tier, target_compliance, target_provisioned, phase,
			error_message, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW(), 1)
		RETURNING created_at, updated_at, version`

	err := s.pool.QueryRow(ctx, query,
		intent.MigrationID,
		intent.TenantID,
		intent.SourceCellID,
		intent.SourceCellName,
		intent.SourceBackendPool,
		string(intent.SourceTier),
		nonNil(intent.SourceCompliance),
		intent.TargetCellID,
		intent.TargetCellName,
		intent.TargetBackendPool,
		string(intent.TargetTier),
		nonNil(intent.TargetCompliance),
		intent.TargetProvisioned,
		string(intent.Phase),
		intent.ErrorMessage,
	).Scan(&intent.CreatedAt, &intent.UpdatedAt, &intent.Version)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create migration intent: %w", err)
	}
	return nil
}

// UpdateIntent advances a migration intent if its version matches
func (s *PostgresStore) UpdateIntent(ctx context.Context, intent *model.MigrationIntent) error {
	query := `
		UPDATE migration_intents
		SET target_cell_id = $2, target_cell_name = $3, target_backend_pool = $4,
			target_provisioned = $5, phase = $6, error_message = $7, updated_at = NOW(),
			version = version + 1
		WHERE migration_id = $1 AND version = $8
		RETURNING updated_at, version`

	err := s.pool.QueryRow(ctx, query,
		intent.MigrationID,
		intent.TargetCellID,
		intent.TargetCellName,
		intent.TargetBackendPool,
		intent.TargetProvisioned,
		string(intent.Phase),
		intent.ErrorMessage,
		intent.Version,
	).Scan(&intent.UpdatedAt, &intent.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetIntent(ctx, intent.MigrationID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update migration intent: %w", err)
	}
	return nil
}

// GetIntent retrieves a migration intent by ID
func (s *PostgresStore) GetIntent(ctx context.Context, migrationID string) (*model.MigrationIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM migration_intents WHERE migration_id = $1`

	intent, err := scanIntent(s.pool.QueryRow(ctx, query, migrationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get migration intent: %w", err)
	}
	return intent, nil
}

// ListPendingIntents lists non-terminal intents last updated before olderThan
func (s *PostgresStore) ListPendingIntents(ctx context.Context, olderThan time.Time) ([]*model.MigrationIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM migration_intents
		WHERE phase NOT IN ($1, $2) AND updated_at <= $3
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query,
		string(model.MigrationPhaseCompleted),
		string(model.MigrationPhaseRolledBack),
		olderThan,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration intents: %w", err)
	}
	defer rows.Close()

	intents := make([]*model.MigrationIntent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan migration intent: %w", err)
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package model

import "time"

// MigrationPhase is the durable saga position of a tenant migration
type MigrationPhase string

const (
	// MigrationPhaseStarted indicates the intent is recorded and the tenant marked Migrating
	MigrationPhaseStarted MigrationPhase = "started"
	// MigrationPhaseDestinationReserved indicates the destination counter was incremented
	MigrationPhaseDestinationReserved MigrationPhase = "destination_reserved"
	// MigrationPhaseTenantSwitched indicates the tenant points at the destination
	MigrationPhaseTenantSwitched MigrationPhase = "tenant_switched"
	// MigrationPhaseCompleted indicates the source counter was released
	MigrationPhaseCompleted MigrationPhase = "completed"
	// MigrationPhaseRolledBack indicates compensations ran and the tenant is back on its source
	MigrationPhaseRolledBack MigrationPhase = "rolled_back"
)

// IsTerminal reports whether no further saga step is pending
func (p MigrationPhase) IsTerminal() bool {
	return p == MigrationPhaseCompleted || p == MigrationPhaseRolledBack
}

// MigrationIntent is the durable record that lets a recovery sweep finish or roll back
// a partially applied migration
type MigrationIntent struct {
	MigrationID       string         `json:"migration_id"`
	TenantID          string         `json:"tenant_id"`
	SourceCellID      string         `json:"source_cell_id"`
	SourceCellName    string         `json:"source_cell_name"`
	SourceBackendPool string         `json:"source_backend_pool"`
	SourceTier        Tier           `json:"source_tier"`
	SourceCompliance  []string       `json:"source_compliance"`
	TargetCellID      string         `json:"target_cell_id"`
	TargetCellName    string         `json:"target_cell_name"`
	TargetBackendPool string         `json:"target_backend_pool"`
	TargetTier        Tier           `json:"target_tier"`
	TargetCompliance  []string       `json:"target_compliance"`
	// TargetProvisioned marks a destination created for this migration; a rollback
	// retires it
	TargetProvisioned bool           `json:"target_provisioned"`
	Phase             MigrationPhase `json:"phase"`
	ErrorMessage      string         `json:"error_message"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int64          `json:"version"`
}

// Clone returns a deep copy of the intent
func (m *MigrationIntent) Clone() *MigrationIntent {
	if m == nil {
		return nil
	}
	c := *m
	c.SourceCompliance = append([]string(nil), m.SourceCompliance...)
	c.TargetCompliance = append([]string(nil), m.TargetCompliance...)
	return &c
}

// MigrationResult is returned to callers of MigrateTenant
type MigrationResult struct {
	MigrationID         string         `json:"migration_id"`
	TenantID            string         `json:"tenant_id"`
	SourceCellName      string         `json:"source_cell_name"`
	TargetCellName      string         `json:"target_cell_name"`
	TargetTier          Tier           `json:"target_tier"`
	Phase               MigrationPhase `json:"phase"`
	EstimatedCompletion time.Time      `json:"estimated_completion"`
}

package model

import "time"

// CellAssignmentResult is the outcome of a placement attempt. It is never persisted.
type CellAssignmentResult struct {
	Success     bool   `json:"success"`
	CellID      string `json:"cell_id,omitempty"`
	CellName    string `json:"cell_name,omitempty"`
	BackendPool string `json:"backend_pool,omitempty"`
	// Provisioned is set when the cell was created for this placement
	Provisioned bool   `json:"provisioned"`
	Reason      string `json:"reason,omitempty"`
}

// RegionCapacityReport is a point-in-time view of one region
type RegionCapacityReport struct {
	Region             string   `json:"region"`
	SharedCells        []string `json:"shared_cells"`
	DedicatedCells     []string `json:"dedicated_cells"`
	TenantCount        int      `json:"tenant_count"`
	SharedUtilization  float64  `json:"shared_utilization"`
	NeedsNewSharedCell bool     `json:"needs_new_shared_cell"`
	// PendingSharedCells are shared cells still awaiting provisioning confirmation
	PendingSharedCells []string `json:"pending_shared_cells"`
	ProvisionedCell    string   `json:"provisioned_cell,omitempty"`
	// Err is set when the region was skipped or partially processed
	Err string `json:"error,omitempty"`
}

// MigrationCandidate is an isolated-tier tenant found on a shared cell
type MigrationCandidate struct {
	TenantID string `json:"tenant_id"`
	Tier     Tier   `json:"tier"`
	CellName string `json:"cell_name"`
	Region   string `json:"region"`
}

// CapacityReport aggregates a capacity pass. Cells and tenants stay authoritative.
type CapacityReport struct {
	GeneratedAt         time.Time              `json:"generated_at"`
	TotalCells          int                    `json:"total_cells"`
	TotalTenants        int                    `json:"total_tenants"`
	AtCapacityCells     int                    `json:"at_capacity_cells"`
	Regions             []RegionCapacityReport `json:"regions"`
	ProvisionedCells    []string               `json:"provisioned_cells"`
	MigrationCandidates []MigrationCandidate   `json:"migration_candidates"`
	Recommendations     []string               `json:"recommendations"`
}

// FailedRegions returns the regions whose processing reported an error
func (r *CapacityReport) FailedRegions() []string {
	var out []string
	for _, rr := range r.Regions {
		if rr.Err != "" {
			out = append(out, rr.Region)
		}
	}
	return out
}

// CounterDrift is a cell whose stored count differs from its assigned tenants
type CounterDrift struct {
	CellID        string `json:"cell_id"`
	CellName      string `json:"cell_name"`
	StoredCount   int    `json:"stored_count"`
	ObservedCount int    `json:"observed_count"`
	Repaired      bool   `json:"repaired"`
	// Reason explains why a drift was left unrepaired
	Reason string `json:"reason,omitempty"`
	Err    string `json:"error,omitempty"`
}

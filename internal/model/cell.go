package model

import (
	"fmt"
	"time"
)

// CellType distinguishes shared pools from single-tenant cells
type CellType string

const (
	CellTypeShared    CellType = "Shared"
	CellTypeDedicated CellType = "Dedicated"
)

// CellStatus represents the lifecycle state of a cell
type CellStatus string

const (
	// CellStatusProvisioning indicates the cell record exists but infrastructure is not confirmed
	CellStatusProvisioning CellStatus = "Provisioning"
	// CellStatusActive indicates the cell accepts placements
	CellStatusActive CellStatus = "Active"
	// CellStatusMaintenance indicates the cell is drained for maintenance
	CellStatusMaintenance CellStatus = "Maintenance"
	// CellStatusAtCapacity indicates the cell is full
	CellStatusAtCapacity CellStatus = "AtCapacity"
	// CellStatusDeprecated indicates the cell is being decommissioned
	CellStatusDeprecated CellStatus = "Deprecated"
	// CellStatusFailed indicates provisioning failed
	CellStatusFailed CellStatus = "Failed"
)

// Cell represents a shared or dedicated execution pool
type Cell struct {
	CellID             string     `json:"cell_id"`
	CellName           string     `json:"cell_name"`
	BackendPool        string     `json:"backend_pool"`
	Type               CellType   `json:"type"`
	Region             string     `json:"region"`
	MaxTenantCount     int        `json:"max_tenant_count"`
	CurrentTenantCount int        `json:"current_tenant_count"`
	Status             CellStatus `json:"status"`
	ComplianceFeatures []string   `json:"compliance_features"`

	// Advisory only, never used for admission
	CPUUtilization     float64 `json:"cpu_utilization"`
	MemoryUtilization  float64 `json:"memory_utilization"`
	StorageUtilization float64 `json:"storage_utilization"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"` // Conditional-write token
}

// Validate checks the count invariants that must hold at every durable state
func (c *Cell) Validate() error {
	if c.CurrentTenantCount < 0 {
		return fmt.Errorf("cell %s: current tenant count %d is negative", c.CellID, c.CurrentTenantCount)
	}
	if c.CurrentTenantCount > c.MaxTenantCount {
		return fmt.Errorf("cell %s: current tenant count %d exceeds max %d",
			c.CellID, c.CurrentTenantCount, c.MaxTenantCount)
	}
	if c.Type == CellTypeDedicated && c.MaxTenantCount != 1 {
		return fmt.Errorf("dedicated cell %s must have max tenant count 1, got %d", c.CellID, c.MaxTenantCount)
	}
	return nil
}

// HasCapacity reports whether one more tenant fits
func (c *Cell) HasCapacity() bool {
	return c.CurrentTenantCount < c.MaxTenantCount
}

// Utilization returns current/max, or 1 for a cell with no capacity
func (c *Cell) Utilization() float64 {
	if c.MaxTenantCount <= 0 {
		return 1.0
	}
	return float64(c.CurrentTenantCount) / float64(c.MaxTenantCount)
}

// AcceptsTenants reports whether the counter may be incremented in this status
func (c *Cell) AcceptsTenants() bool {
	return c.Status == CellStatusActive || c.Status == CellStatusProvisioning
}

// Clone returns a deep copy of the cell
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	cp := *c
	cp.ComplianceFeatures = append([]string(nil), c.ComplianceFeatures...)
	return &cp
}

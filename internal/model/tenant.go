package model

import "time"

// Tier classifies a tenant and decides which placement path it takes
type Tier string

const (
	TierStartup    Tier = "Startup"
	TierSMB        Tier = "SMB"
	TierShared     Tier = "Shared"
	TierEnterprise Tier = "Enterprise"
	TierDedicated  Tier = "Dedicated"
)

// IsValid reports whether t is a known tier
func (t Tier) IsValid() bool {
	switch t {
	case TierStartup, TierSMB, TierShared, TierEnterprise, TierDedicated:
		return true
	}
	return false
}

// RequiresIsolation reports whether tenants of this tier must run on a dedicated cell
func (t Tier) RequiresIsolation() bool {
	return t == TierEnterprise || t == TierDedicated
}

// TenantStatus represents the lifecycle state of a tenant
type TenantStatus string

const (
	TenantStatusActive         TenantStatus = "Active"
	TenantStatusMigrating      TenantStatus = "Migrating"
	TenantStatusSuspended      TenantStatus = "Suspended"
	TenantStatusProvisioning   TenantStatus = "Provisioning"
	TenantStatusDeprovisioning TenantStatus = "Deprovisioning"
	TenantStatusInactive       TenantStatus = "Inactive"
)

// Tenant represents a customer placed on exactly one cell
type Tenant struct {
	TenantID            string       `json:"tenant_id"`
	Subdomain           string       `json:"subdomain"`
	Name                string       `json:"name"`
	Tier                Tier         `json:"tier"`
	Region              string       `json:"region"`
	RequiredCompliance  []string     `json:"required_compliance"`
	Status              TenantStatus `json:"status"`
	AssignedCellID      string       `json:"assigned_cell_id"`
	AssignedCellName    string       `json:"assigned_cell_name"`
	AssignedBackendPool string       `json:"assigned_backend_pool"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	Version             int64        `json:"version"` // For optimistic locking
}

// Clone returns a deep copy of the tenant
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredCompliance = append([]string(nil), t.RequiredCompliance...)
	return &c
}

// HasAssignment reports whether the tenant currently points at a cell
func (t *Tenant) HasAssignment() bool {
	return t.AssignedCellID != ""
}

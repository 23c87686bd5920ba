package service

import "github.com/devrev/stamps/internal/model"

// placementPath is the cell selection strategy a tier maps to
type placementPath string

const (
	pathShared    placementPath = "shared"
	pathDedicated placementPath = "dedicated"
)

var tierPolicies = map[model.Tier]placementPath{
	model.TierStartup:    pathShared,
	model.TierSMB:        pathShared,
	model.TierShared:     pathShared,
	model.TierEnterprise: pathDedicated,
	model.TierDedicated:  pathDedicated,
}

// pathForTier returns the strategy for tier; unknown tiers use the shared path
func pathForTier(tier model.Tier) placementPath {
	if p, ok := tierPolicies[tier]; ok {
		return p
	}
	return pathShared
}

func (p placementPath) cellType() model.CellType {
	if p == pathDedicated {
		return model.CellTypeDedicated
	}
	return model.CellTypeShared
}

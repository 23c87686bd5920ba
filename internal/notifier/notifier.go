package notifier

import (
	"context"
	"time"

	"github.com/devrev/stamps/internal/model"
	"go.uber.org/zap"
)

// Notifier tells the infrastructure automation that a cell record was created and
// needs backing resources
type Notifier interface {
	NotifyCellCreated(ctx context.Context, cell *model.Cell) error
}

// CellCreatedEvent is the payload published for a new cell
type CellCreatedEvent struct {
	CellID             string    `json:"cell_id"`
	CellName           string    `json:"cell_name"`
	BackendPool        string    `json:"backend_pool"`
	Type               string    `json:"type"`
	Region             string    `json:"region"`
	MaxTenantCount     int       `json:"max_tenant_count"`
	Status             string    `json:"status"`
	ComplianceFeatures []string  `json:"compliance_features"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// NewCellCreatedEvent builds the event for cell
func NewCellCreatedEvent(cell *model.Cell) CellCreatedEvent {
	return CellCreatedEvent{
		CellID:             cell.CellID,
		CellName:           cell.CellName,
		BackendPool:        cell.BackendPool,
		Type:               string(cell.Type),
		Region:             cell.Region,
		MaxTenantCount:     cell.MaxTenantCount,
		Status:             string(cell.Status),
		ComplianceFeatures: append([]string{}, cell.ComplianceFeatures...),
		OccurredAt:         time.Now().UTC(),
	}
}

// LogNotifier only logs. Used when no automation is listening.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyCellCreated logs the new cell
func (n *LogNotifier) NotifyCellCreated(ctx context.Context, cell *model.Cell) error {
	n.logger.Info("Cell created, awaiting infrastructure",
		zap.String("cell_id", cell.CellID),
		zap.String("cell_name", cell.CellName),
		zap.String("region", cell.Region),
		zap.String("type", string(cell.Type)),
		zap.Strings("compliance", cell.ComplianceFeatures))
	return nil
}

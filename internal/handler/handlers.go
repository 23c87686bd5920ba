// Package handler provides HTTP request handlers for the placement API.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/stamps/internal/model"
	"github.com/devrev/stamps/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	tenants     *service.TenantService
	assigner    *service.AssignmentService
	migrations  *service.MigrationService
	capacity    *service.CapacityService
	provisioner *service.ProvisioningService
	errorWriter *ErrorWriter
	logger      *zap.Logger
	timeout     time.Duration
}

// Services bundles the engine services exposed over HTTP.
type Services struct {
	Tenants     *service.TenantService
	Assigner    *service.AssignmentService
	Migrations  *service.MigrationService
	Capacity    *service.CapacityService
	Provisioner *service.ProvisioningService
}

// NewHandlers creates a new Handlers instance. timeout bounds each request; zero
// leaves the request context as is.
func NewHandlers(svc Services, errorWriter *ErrorWriter, logger *zap.Logger, timeout time.Duration) *Handlers {
	return &Handlers{
		tenants:     svc.Tenants,
		assigner:    svc.Assigner,
		migrations:  svc.Migrations,
		capacity:    svc.Capacity,
		provisioner: svc.Provisioner,
		errorWriter: errorWriter,
		logger:      logger,
		timeout:     timeout,
	}
}

// MigrateTenantRequest is the body of POST /v1/tenants/{tenant_id}/migrations.
// Omitting required_compliance keeps the tenant's current requirement.
type MigrateTenantRequest struct {
	TargetTier         string    `json:"target_tier"`
	RequiredCompliance *[]string `json:"required_compliance,omitempty"`
}

// PlacementRequest is the body of POST /v1/placements.
type PlacementRequest struct {
	TenantID           string   `json:"tenant_id"`
	Tier               string   `json:"tier"`
	Region             string   `json:"region"`
	RequiredCompliance []string `json:"required_compliance"`
}

// ProvisioningResultRequest is the body of POST /v1/cells/{cell_id}/provisioning-result.
type ProvisioningResultRequest struct {
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason"`
}

// CreateTenant handles POST /v1/tenants requests.
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	tenant, err := h.tenants.CreateTenant(ctx, req)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, tenant)
}

// GetTenant handles GET /v1/tenants/{tenant_id} requests.
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	tenant, err := h.tenants.GetTenant(ctx, mux.Vars(r)["tenant_id"])
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, tenant)
}

// MigrateTenant handles POST /v1/tenants/{tenant_id}/migrations requests.
func (h *Handlers) MigrateTenant(w http.ResponseWriter, r *http.Request) {
	var req MigrateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TargetTier == "" {
		h.errorWriter.WriteValidationError(w, "target_tier is required", r.Header.Get("X-Request-ID"))
		return
	}
	var required []string
	if req.RequiredCompliance != nil {
		required = append([]string{}, (*req.RequiredCompliance)...)
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.migrations.MigrateTenant(ctx, mux.Vars(r)["tenant_id"], model.Tier(req.TargetTier), required)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// GetMigration handles GET /v1/migrations/{migration_id} requests.
func (h *Handlers) GetMigration(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	intent, err := h.migrations.GetMigration(ctx, mux.Vars(r)["migration_id"])
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, intent)
}

// RecoverMigrations handles POST /v1/migrations/recover requests.
func (h *Handlers) RecoverMigrations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.migrations.RecoverPending(ctx)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// AssignCell handles POST /v1/placements requests. The slot stays reserved for the
// described tenant, whose record is managed by the caller.
func (h *Handlers) AssignCell(w http.ResponseWriter, r *http.Request) {
	var req PlacementRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.assigner.AssignCell(ctx, &model.Tenant{
		TenantID:           req.TenantID,
		Tier:               model.Tier(req.Tier),
		Region:             req.Region,
		RequiredCompliance: req.RequiredCompliance,
	})
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// RunCapacityPass handles POST /v1/capacity/passes requests.
func (h *Handlers) RunCapacityPass(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	report, err := h.capacity.RunCapacityPass(ctx)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, report)
}

// GetCapacity handles GET /v1/capacity requests.
func (h *Handlers) GetCapacity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	report, err := h.capacity.GetCapacitySnapshot(ctx)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, report)
}

// ReconcileCounters handles POST /v1/capacity/reconcile?fix=true requests.
func (h *Handlers) ReconcileCounters(w http.ResponseWriter, r *http.Request) {
	fix := false
	if raw := r.URL.Query().Get("fix"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.errorWriter.WriteValidationError(w, fmt.Sprintf("invalid fix parameter %q", raw), r.Header.Get("X-Request-ID"))
			return
		}
		fix = parsed
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	drifts, err := h.capacity.ReconcileCounters(ctx, fix)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"fixed":  fix,
		"drifts": drifts,
	})
}

// ConfirmProvisioned handles POST /v1/cells/{cell_id}/provisioning-result requests.
func (h *Handlers) ConfirmProvisioned(w http.ResponseWriter, r *http.Request) {
	var req ProvisioningResultRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	cell, err := h.provisioner.ConfirmProvisioned(ctx, mux.Vars(r)["cell_id"], req.Succeeded, req.Reason)
	if err != nil {
		h.errorWriter.HandleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, cell)
}

func (h *Handlers) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

// decode reads a JSON body into dst, writing a 400 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.errorWriter.WriteValidationError(w, "invalid request body: "+err.Error(), r.Header.Get("X-Request-ID"))
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response with the given status code.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies placement failures
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindNoCellsAvailable   Kind = "NO_CELLS_AVAILABLE"
	KindNoCapacity         Kind = "NO_CAPACITY"
	KindIsolationViolation Kind = "ISOLATION_VIOLATION"
	KindInvalidState       Kind = "INVALID_STATE"
	KindVersionConflict    Kind = "VERSION_CONFLICT"
	KindStorage            Kind = "STORAGE_ERROR"
	KindMigrationFailed    Kind = "MIGRATION_FAILED"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindAlreadyExists      Kind = "ALREADY_EXISTS"
	KindInternal           Kind = "INTERNAL"
)

// PlacementError represents a structured error with kind and context
type PlacementError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *PlacementError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *PlacementError) Unwrap() error {
	return e.Cause
}

// Is matches any PlacementError of the same kind, so errors.Is(err, perrors.ErrNoCapacity) works
func (e *PlacementError) Is(target error) bool {
	t, ok := target.(*PlacementError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail adds a detail to the error
func (e *PlacementError) WithDetail(key string, value interface{}) *PlacementError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the kind to the status the transport layer should answer with
func (e *PlacementError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindNoCellsAvailable, KindNoCapacity:
		return http.StatusUnprocessableEntity
	case KindIsolationViolation, KindInvalidState:
		return http.StatusConflict
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindAlreadyExists, KindVersionConflict:
		return http.StatusConflict
	case KindStorage, KindMigrationFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request later
func (e *PlacementError) Retryable() bool {
	switch e.Kind {
	case KindStorage, KindMigrationFailed, KindVersionConflict:
		return true
	}
	return false
}

// GRPCStatus converts the error to a gRPC status
func (e *PlacementError) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *PlacementError) grpcCode() codes.Code {
	switch e.Kind {
	case KindNotFound:
		return codes.NotFound
	case KindNoCellsAvailable, KindNoCapacity:
		return codes.ResourceExhausted
	case KindIsolationViolation, KindInvalidState:
		return codes.FailedPrecondition
	case KindVersionConflict:
		return codes.Aborted
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindAlreadyExists:
		return codes.AlreadyExists
	case KindStorage, KindMigrationFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// Sentinels for errors.Is comparisons
var (
	ErrNotFound           = &PlacementError{Kind: KindNotFound}
	ErrNoCellsAvailable   = &PlacementError{Kind: KindNoCellsAvailable}
	ErrNoCapacity         = &PlacementError{Kind: KindNoCapacity}
	ErrIsolationViolation = &PlacementError{Kind: KindIsolationViolation}
	ErrInvalidState       = &PlacementError{Kind: KindInvalidState}
	ErrVersionConflict    = &PlacementError{Kind: KindVersionConflict}
	ErrStorage            = &PlacementError{Kind: KindStorage}
	ErrMigrationFailed    = &PlacementError{Kind: KindMigrationFailed}
	ErrInvalidArgument    = &PlacementError{Kind: KindInvalidArgument}
	ErrAlreadyExists      = &PlacementError{Kind: KindAlreadyExists}
)

// New creates a new PlacementError
func New(kind Kind, message string, cause error) *PlacementError {
	return &PlacementError{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// Convenience constructors for common errors

func NotFound(resource, id string) *PlacementError {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", resource, id), nil).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

func NoCellsAvailable(region string) *PlacementError {
	return New(KindNoCellsAvailable, fmt.Sprintf("no active cells in region %s", region), nil).
		WithDetail("region", region)
}

func NoCapacity(region string, cellType string, limit int) *PlacementError {
	return New(KindNoCapacity,
		fmt.Sprintf("no %s capacity in region %s and provisioning cap %d reached", cellType, region, limit), nil).
		WithDetail("region", region).
		WithDetail("cell_type", cellType).
		WithDetail("limit", limit)
}

func CellFull(cellID string, max int) *PlacementError {
	return New(KindNoCapacity, fmt.Sprintf("cell %s is at capacity (%d)", cellID, max), nil).
		WithDetail("cell_id", cellID).
		WithDetail("max_tenant_count", max)
}

func IsolationViolation(from, to string) *PlacementError {
	return New(KindIsolationViolation,
		fmt.Sprintf("tier %s cannot move to shared tier %s", from, to), nil).
		WithDetail("from_tier", from).
		WithDetail("to_tier", to)
}

func InvalidState(message string) *PlacementError {
	return New(KindInvalidState, message, nil)
}

func VersionConflict(resource, id string, attempts int, cause error) *PlacementError {
	return New(KindVersionConflict,
		fmt.Sprintf("%s %s changed concurrently, gave up after %d attempts", resource, id, attempts), cause).
		WithDetail("attempts", attempts)
}

func Storage(message string, cause error) *PlacementError {
	return New(KindStorage, message, cause)
}

func MigrationFailed(migrationID string, cause error) *PlacementError {
	return New(KindMigrationFailed, fmt.Sprintf("migration %s failed", migrationID), cause).
		WithDetail("migration_id", migrationID)
}

func InvalidArgument(message string) *PlacementError {
	return New(KindInvalidArgument, message, nil)
}

func AlreadyExists(resource, id string) *PlacementError {
	return New(KindAlreadyExists, fmt.Sprintf("%s already exists: %s", resource, id), nil).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// KindOf extracts the kind from an error chain
func KindOf(err error) Kind {
	var pe *PlacementError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, &PlacementError{Kind: kind})
}

// As extracts the outermost PlacementError
func As(err error) (*PlacementError, bool) {
	var pe *PlacementError
	ok := stderrors.As(err, &pe)
	return pe, ok
}

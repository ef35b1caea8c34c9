package router

import (
	"errors"
	"fmt"

	"github.com/kalambet/deskd/internal/storage"
)

// ErrEndpointNotFound is returned when the addressed endpoint does not exist.
var ErrEndpointNotFound = errors.New("endpoint not found")

// ErrEndpointNotRunning is returned when the endpoint exists but is stopped.
// Distinct from ErrEndpointNotFound so operator UIs can show "paused" rather
// than "missing".
var ErrEndpointNotRunning = errors.New("endpoint not running")

// ErrWrongEndpointKind is returned when a customer operation addresses a
// backend endpoint or vice versa.
var ErrWrongEndpointKind = errors.New("wrong endpoint kind")

// ErrQueryNotFound is returned when the addressed query does not exist.
var ErrQueryNotFound = errors.New("query not found")

// ErrCustomerEndpointNotFound is returned when a query's originating customer
// endpoint no longer exists (it was deleted while the query was pending).
var ErrCustomerEndpointNotFound = errors.New("customer endpoint not found")

// ErrConflict is returned when a concurrent writer won a lifecycle transition
// first: a second answer on an already answered or completed query.
var ErrConflict = storage.ErrConflict

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing or invalid field: %s", e.Field)
}

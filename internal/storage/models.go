package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a status compare-and-swap misses because
// another writer transitioned the query first.
var ErrConflict = errors.New("conflict")

// EndpointKind distinguishes customer-facing channels from human-operator ones.
type EndpointKind string

const (
	KindCustomer EndpointKind = "CUSTOMER"
	KindBackend  EndpointKind = "BACKEND"
)

// ValidKind reports whether k is one of the two endpoint kinds.
func ValidKind(k EndpointKind) bool {
	return k == KindCustomer || k == KindBackend
}

// QueryStatus is the lifecycle state of a customer query.
type QueryStatus string

const (
	StatusNew             QueryStatus = "NEW"
	StatusPendingHuman    QueryStatus = "PENDING_HUMAN"
	StatusAnsweredByHuman QueryStatus = "ANSWERED_BY_HUMAN"
	StatusCompleted       QueryStatus = "COMPLETED"
)

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s QueryStatus) bool {
	switch s {
	case StatusNew, StatusPendingHuman, StatusAnsweredByHuman, StatusCompleted:
		return true
	}
	return false
}

// Endpoint is a named channel bound to one provider/model. Kind is immutable
// after creation; that is enforced at the API layer.
type Endpoint struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Kind      EndpointKind `json:"kind"`
	ModelRef  string       `json:"model_ref"` // "provider/model", e.g. "ollama/llama3.2"
	IsRunning bool         `json:"is_running"`
	Address   string       `json:"address"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Query is one customer question and its full resolution lifecycle.
// Status is written only by the escalation router.
type Query struct {
	ID               string      `json:"id"`
	EndpointID       string      `json:"endpoint_id"` // owning customer endpoint
	Question         string      `json:"question"`
	CustomerResponse string      `json:"customer_response"`
	InternalNote     string      `json:"internal_note"`
	Status           QueryStatus `json:"status"`
	CustomerName     string      `json:"customer_name"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

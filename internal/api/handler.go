// Package api exposes the service over HTTP (chi), server-sent event streams
// and a stdio MCP server for agent tooling.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/deskd/internal/bus"
	"github.com/kalambet/deskd/internal/provider"
	"github.com/kalambet/deskd/internal/router"
	"github.com/kalambet/deskd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Store  *storage.Store
	Router *router.Router
	Bus    *bus.Hub
	Token  string
	Logger *slog.Logger
}

// NewHandler builds the full route tree. The customer surface and /health are
// open; backend and management surfaces require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/customer/{id}/queries", handleCustomerQuery(deps))
		r.Get("/customer/queries/{id}/events", handleQueryEvents(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))

			r.Get("/backend/{id}/queries", handlePendingQueries(deps))
			r.Post("/backend/{id}/queries/{queryID}/claim", handleClaimQuery(deps))
			r.Post("/backend/{id}/queries/{queryID}/response", handleHumanResponse(deps))
			r.Get("/backend/{id}/events", handleOperatorEvents(deps))

			r.Post("/endpoints", handleCreateEndpoint(deps))
			r.Get("/endpoints", handleListEndpoints(deps))
			r.Get("/endpoints/{id}", handleGetEndpoint(deps))
			r.Patch("/endpoints/{id}", handleUpdateEndpoint(deps))
			r.Delete("/endpoints/{id}", handleDeleteEndpoint(deps))

			r.Get("/queries", handleListQueries(deps))
			r.Get("/queries/{id}", handleGetQuery(deps))

			r.Get("/events", handleGlobalEvents(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type customerQueryRequest struct {
	Message      string `json:"message"`
	CustomerName string `json:"customer_name"`
}

func handleCustomerQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req customerQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Router.HandleCustomerMessage(r.Context(), chi.URLParam(r, "id"), req.CustomerName, req.Message)
		if err != nil {
			writeCustomerError(w, deps.Logger, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

func handlePendingQueries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queries, err := deps.Router.PendingQueries(chi.URLParam(r, "id"))
		if err != nil {
			writeLifecycleError(w, err)
			return
		}
		if queries == nil {
			queries = []storage.Query{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queries)
	}
}

func handleClaimQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Router.ClaimQuery(chi.URLParam(r, "id"), chi.URLParam(r, "queryID"))
		if err != nil {
			writeLifecycleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(q)
	}
}

type humanResponseRequest struct {
	Response string `json:"response"`
}

func handleHumanResponse(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req humanResponseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}

		q, err := deps.Router.HandleHumanResponse(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "queryID"), req.Response)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(q)
	}
}

type endpointRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	ModelRef  string `json:"model_ref"`
	IsRunning *bool  `json:"is_running"`
}

func handleCreateEndpoint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req endpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "validation_error", "name is required")
			return
		}
		kind := storage.EndpointKind(req.Kind)
		if !storage.ValidKind(kind) {
			httpError(w, http.StatusBadRequest, "validation_error", "kind must be CUSTOMER or BACKEND")
			return
		}
		if _, _, err := provider.ParseModelRef(req.ModelRef); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
			return
		}

		id := uuid.NewString()
		running := true
		if req.IsRunning != nil {
			running = *req.IsRunning
		}
		ep, err := deps.Store.SaveEndpoint(storage.Endpoint{
			ID:        id,
			Name:      req.Name,
			Kind:      kind,
			ModelRef:  req.ModelRef,
			IsRunning: running,
			Address:   fmt.Sprintf("/v1/%s/%s", strings.ToLower(req.Kind), id),
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save endpoint: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ep)
	}
}

func handleListEndpoints(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			endpoints []storage.Endpoint
			err       error
		)
		if kind := r.URL.Query().Get("kind"); kind != "" {
			k := storage.EndpointKind(kind)
			if !storage.ValidKind(k) {
				httpError(w, http.StatusBadRequest, "validation_error", "unknown kind %q", kind)
				return
			}
			endpoints, err = deps.Store.ListEndpointsByKind(k)
		} else {
			endpoints, err = deps.Store.ListEndpoints()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list endpoints: %v", err)
			return
		}
		if endpoints == nil {
			endpoints = []storage.Endpoint{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(endpoints)
	}
}

func handleGetEndpoint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep, err := deps.Store.GetEndpoint(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get endpoint: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ep)
	}
}

func handleUpdateEndpoint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		ep, err := deps.Store.GetEndpoint(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get endpoint: %v", err)
			return
		}

		var req endpointRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "validation_error", "invalid request body: %v", err)
			return
		}
		if req.Kind != "" && storage.EndpointKind(req.Kind) != ep.Kind {
			httpError(w, http.StatusBadRequest, "validation_error", "kind is immutable")
			return
		}
		if req.Name != "" {
			ep.Name = req.Name
		}
		if req.ModelRef != "" {
			if _, _, err := provider.ParseModelRef(req.ModelRef); err != nil {
				httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
				return
			}
			ep.ModelRef = req.ModelRef
		}
		runningChanged := req.IsRunning != nil && *req.IsRunning != ep.IsRunning
		if req.IsRunning != nil {
			ep.IsRunning = *req.IsRunning
		}

		ep, err = deps.Store.SaveEndpoint(ep)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save endpoint: %v", err)
			return
		}

		if runningChanged {
			deps.Bus.Publish(bus.Event{
				Topic:   bus.TopicGlobal,
				Type:    bus.EventEndpointStatusChanged,
				Payload: ep,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ep)
	}
}

func handleDeleteEndpoint(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Queries owned by the endpoint are left in place; there is no cascade.
		err := deps.Store.DeleteEndpoint(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete endpoint: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListQueries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			queries []storage.Query
			err     error
		)
		status := r.URL.Query().Get("status")
		endpointID := r.URL.Query().Get("endpoint")
		switch {
		case status != "":
			s := storage.QueryStatus(status)
			if !storage.ValidStatus(s) {
				httpError(w, http.StatusBadRequest, "validation_error", "unknown status %q", status)
				return
			}
			queries, err = deps.Store.ListQueriesByStatus(s)
		case endpointID != "":
			queries, err = deps.Store.ListQueriesByEndpoint(endpointID)
		default:
			httpError(w, http.StatusBadRequest, "validation_error", "one of status or endpoint is required")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queries: %v", err)
			return
		}
		if queries == nil {
			queries = []storage.Query{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(queries)
	}
}

func handleGetQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Store.GetQuery(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(q)
	}
}

// writeLifecycleError maps router errors onto the wire taxonomy for the
// backend and management surfaces, which may see full detail.
func writeLifecycleError(w http.ResponseWriter, err error) {
	var verr *router.ValidationError
	var genErr *provider.GenError
	switch {
	case errors.Is(err, router.ErrEndpointNotFound),
		errors.Is(err, router.ErrQueryNotFound),
		errors.Is(err, router.ErrCustomerEndpointNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, router.ErrEndpointNotRunning):
		httpError(w, http.StatusConflict, "not_running", "%v", err)
	case errors.Is(err, router.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.As(err, &verr), errors.Is(err, router.ErrWrongEndpointKind),
		errors.Is(err, provider.ErrUnsupportedProvider):
		httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
	case errors.As(err, &genErr):
		httpError(w, http.StatusBadGateway, "provider_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// writeCustomerError is writeLifecycleError for the open customer surface:
// provider and internal failures collapse to a generic message, with the
// detail going to the log only.
func writeCustomerError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *router.ValidationError
	var genErr *provider.GenError
	switch {
	case errors.Is(err, router.ErrEndpointNotFound):
		httpError(w, http.StatusNotFound, "not_found", "endpoint not found")
	case errors.Is(err, router.ErrEndpointNotRunning):
		httpError(w, http.StatusConflict, "not_running", "endpoint is not running")
	case errors.As(err, &verr), errors.Is(err, router.ErrWrongEndpointKind):
		httpError(w, http.StatusBadRequest, "validation_error", "%v", err)
	case errors.As(err, &genErr):
		logger.Error("customer query failed", "error", err, "provider", genErr.Provider)
		httpError(w, http.StatusBadGateway, "provider_error", "could not process request")
	default:
		logger.Error("customer query failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "could not process request")
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

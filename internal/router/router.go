// Package router implements the query lifecycle: customer messages come in,
// the answer generator replies or escalates, human operators answer
// escalations, and a rewrite pass closes the loop back to the customer.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/deskd/internal/bus"
	"github.com/kalambet/deskd/internal/classify"
	"github.com/kalambet/deskd/internal/prompt"
	"github.com/kalambet/deskd/internal/provider"
	"github.com/kalambet/deskd/internal/storage"
)

// humanResponseTag wraps the operator's answer when it is appended to the
// query's internal note so the rewrite prompt and audit trail can find it.
const humanResponseTag = "HUMAN RESPONSE"

// defaultGenTimeout bounds a single answer-generator call.
const defaultGenTimeout = 2 * time.Minute

// Store is the persistence surface the router needs.
type Store interface {
	GetEndpoint(id string) (storage.Endpoint, error)
	SaveQuery(q storage.Query) (storage.Query, error)
	GetQuery(id string) (storage.Query, error)
	DeleteQuery(id string) error
	ListQueriesByStatus(status storage.QueryStatus) ([]storage.Query, error)
	TransitionQuery(id string, from []storage.QueryStatus, to storage.QueryStatus, mutate func(*storage.Query)) (storage.Query, error)
}

// Generators resolves a provider id to an answer generator.
type Generators interface {
	For(providerID string) (provider.Generator, error)
}

// Publisher is the notification side of the bus.
type Publisher interface {
	Publish(e bus.Event)
}

// Router drives query lifecycle transitions. All methods are safe for
// concurrent use; conflicting transitions on the same query are resolved by
// the store's compare-and-swap and reported as ErrConflict.
type Router struct {
	store      Store
	generators Generators
	bus        Publisher
	prompts    *prompt.Builder
	logger     *slog.Logger
	genTimeout time.Duration
}

// New returns a Router over the given collaborators. A nil logger discards.
func New(store Store, generators Generators, pub Publisher, prompts *prompt.Builder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		store:      store,
		generators: generators,
		bus:        pub,
		prompts:    prompts,
		logger:     logger,
		genTimeout: defaultGenTimeout,
	}
}

// CustomerResult is what the customer sees after sending a message.
type CustomerResult struct {
	QueryID  string              `json:"query_id"`
	Response string              `json:"response"`
	Status   storage.QueryStatus `json:"status"`
}

// HandleCustomerMessage runs the ingress flow: persist a NEW query, ask the
// endpoint's generator, and either complete immediately or escalate to
// PENDING_HUMAN. The returned response never contains escalation markers or
// provider error detail.
func (r *Router) HandleCustomerMessage(ctx context.Context, endpointID, customerName, message string) (CustomerResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return CustomerResult{}, &ValidationError{Field: "message"}
	}
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		customerName = "Anonymous"
	}

	ep, err := r.endpoint(endpointID, storage.KindCustomer)
	if err != nil {
		return CustomerResult{}, err
	}
	gen, model, err := r.generatorFor(ep)
	if err != nil {
		return CustomerResult{}, err
	}

	now := time.Now().UTC()
	q, err := r.store.SaveQuery(storage.Query{
		ID:           uuid.NewString(),
		EndpointID:   ep.ID,
		Question:     message,
		Status:       storage.StatusNew,
		CustomerName: customerName,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return CustomerResult{}, fmt.Errorf("persist query: %w", err)
	}

	raw, err := r.generate(ctx, gen, r.prompts.CustomerConversation(message), model)
	if err != nil {
		// The query never reached the customer or an operator; drop it so a
		// generator outage does not leave NEW rows behind.
		if derr := r.store.DeleteQuery(q.ID); derr != nil {
			r.logger.Warn("rollback of failed query", "query", q.ID, "error", derr)
		}
		return CustomerResult{}, err
	}

	res := classify.Classify(raw)
	q.CustomerResponse = res.Visible
	if res.Escalated {
		q.Status = storage.StatusPendingHuman
		q.InternalNote = res.Note
	} else {
		q.Status = storage.StatusCompleted
	}
	q, err = r.store.SaveQuery(q)
	if err != nil {
		return CustomerResult{}, fmt.Errorf("persist query: %w", err)
	}

	if res.Escalated {
		r.bus.Publish(bus.Event{
			Topic:   bus.TopicEndpointPending(ep.ID),
			Type:    bus.EventNewPendingQuery,
			Payload: q,
		})
		r.logger.Info("query escalated", "query", q.ID, "endpoint", ep.ID)
	}

	return CustomerResult{QueryID: q.ID, Response: q.CustomerResponse, Status: q.Status}, nil
}

// PendingQueries lists queries waiting for a human, for operators connected
// through the given backend endpoint.
func (r *Router) PendingQueries(backendID string) ([]storage.Query, error) {
	if _, err := r.endpoint(backendID, storage.KindBackend); err != nil {
		return nil, err
	}
	return r.store.ListQueriesByStatus(storage.StatusPendingHuman)
}

// ClaimQuery marks a pending query as being worked on by an operator. A
// second claim, or a claim on a completed query, fails with ErrConflict.
func (r *Router) ClaimQuery(backendID, queryID string) (storage.Query, error) {
	if _, err := r.endpoint(backendID, storage.KindBackend); err != nil {
		return storage.Query{}, err
	}
	q, err := r.store.TransitionQuery(queryID,
		[]storage.QueryStatus{storage.StatusPendingHuman},
		storage.StatusAnsweredByHuman, nil)
	if err != nil {
		return storage.Query{}, r.queryErr(err)
	}
	return q, nil
}

// HandleHumanResponse records an operator's answer on a pending or claimed
// query, rewrites it through the originating endpoint's generator, and
// completes the query. Exactly one concurrent caller wins; losers get
// ErrConflict. On rewrite failure the query returns to PENDING_HUMAN with the
// operator's note preserved.
func (r *Router) HandleHumanResponse(ctx context.Context, backendID, queryID, response string) (storage.Query, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return storage.Query{}, &ValidationError{Field: "response"}
	}
	if _, err := r.endpoint(backendID, storage.KindBackend); err != nil {
		return storage.Query{}, err
	}

	// Claim (or re-confirm a claim) and append the operator's answer to the
	// internal note in one transition.
	q, err := r.store.TransitionQuery(queryID,
		[]storage.QueryStatus{storage.StatusPendingHuman, storage.StatusAnsweredByHuman},
		storage.StatusAnsweredByHuman,
		func(q *storage.Query) {
			q.InternalNote = q.InternalNote + fmt.Sprintf("\n[%s: %s]", humanResponseTag, response)
		})
	if err != nil {
		return storage.Query{}, r.queryErr(err)
	}

	ep, err := r.store.GetEndpoint(q.EndpointID)
	if err != nil {
		r.unclaim(q.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Query{}, fmt.Errorf("%w: %s", ErrCustomerEndpointNotFound, q.EndpointID)
		}
		return storage.Query{}, fmt.Errorf("resolve customer endpoint: %w", err)
	}
	gen, model, err := r.generatorFor(ep)
	if err != nil {
		r.unclaim(q.ID)
		return storage.Query{}, err
	}

	rewritten, err := r.generate(ctx, gen, r.prompts.RewriteConversation(q.Question, response), model)
	if err != nil {
		r.unclaim(q.ID)
		return storage.Query{}, err
	}

	q, err = r.store.TransitionQuery(q.ID,
		[]storage.QueryStatus{storage.StatusAnsweredByHuman},
		storage.StatusCompleted,
		func(q *storage.Query) {
			q.CustomerResponse = rewritten
		})
	if err != nil {
		return storage.Query{}, r.queryErr(err)
	}

	// The per-query topic is customer-facing; never put the internal note on it.
	r.bus.Publish(bus.Event{
		Topic:   bus.TopicQueryUpdated(q.ID),
		Type:    bus.EventQueryUpdated,
		Payload: CustomerResult{QueryID: q.ID, Response: q.CustomerResponse, Status: q.Status},
	})
	r.bus.Publish(bus.Event{
		Topic:   bus.TopicEndpointCompleted(ep.ID),
		Type:    bus.EventQueryCompleted,
		Payload: q,
	})
	r.logger.Info("query completed", "query", q.ID, "endpoint", ep.ID)
	return q, nil
}

// endpoint resolves an endpoint and checks kind and running state.
func (r *Router) endpoint(id string, kind storage.EndpointKind) (storage.Endpoint, error) {
	ep, err := r.store.GetEndpoint(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
		}
		return storage.Endpoint{}, fmt.Errorf("resolve endpoint: %w", err)
	}
	if ep.Kind != kind {
		return storage.Endpoint{}, fmt.Errorf("%w: %s is %s, want %s", ErrWrongEndpointKind, id, ep.Kind, kind)
	}
	if !ep.IsRunning {
		return storage.Endpoint{}, fmt.Errorf("%w: %s", ErrEndpointNotRunning, id)
	}
	return ep, nil
}

func (r *Router) generatorFor(ep storage.Endpoint) (provider.Generator, string, error) {
	providerID, model, err := provider.ParseModelRef(ep.ModelRef)
	if err != nil {
		return nil, "", fmt.Errorf("endpoint %s: %w", ep.ID, err)
	}
	gen, err := r.generators.For(providerID)
	if err != nil {
		return nil, "", fmt.Errorf("endpoint %s: %w", ep.ID, err)
	}
	return gen, model, nil
}

func (r *Router) generate(ctx context.Context, gen provider.Generator, messages []provider.Message, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.genTimeout)
	defer cancel()
	out, err := gen.Generate(ctx, messages, provider.GenConfig{Model: model})
	if err != nil {
		return "", err
	}
	return out, nil
}

// unclaim rolls a claimed query back to PENDING_HUMAN after a downstream
// failure. The appended note survives so the operator's answer is not lost.
func (r *Router) unclaim(queryID string) {
	_, err := r.store.TransitionQuery(queryID,
		[]storage.QueryStatus{storage.StatusAnsweredByHuman},
		storage.StatusPendingHuman, nil)
	if err != nil {
		r.logger.Warn("rollback to pending failed", "query", queryID, "error", err)
	}
}

func (r *Router) queryErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrQueryNotFound
	}
	return err
}

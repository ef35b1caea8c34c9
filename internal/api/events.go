package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/deskd/internal/bus"
	"github.com/kalambet/deskd/internal/storage"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 25 * time.Second

// handleQueryEvents streams updates for one query to its customer. The
// payload on this topic is already scrubbed of operator-only fields.
func handleQueryEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetQuery(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "query not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get query: %v", err)
			return
		}

		streamEvents(w, r, deps, []string{bus.TopicQueryUpdated(id)})
	}
}

// handleOperatorEvents streams escalations and completions to a human
// operator connected through a backend endpoint. The subscription covers the
// customer endpoints that exist at connect time; clients reconnect to pick up
// endpoints created later.
func handleOperatorEvents(deps Deps) http.HandlerFunc {
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
		if ep.Kind != storage.KindBackend {
			httpError(w, http.StatusBadRequest, "validation_error", "endpoint %s is not a backend endpoint", ep.ID)
			return
		}
		if !ep.IsRunning {
			httpError(w, http.StatusConflict, "not_running", "endpoint %s is not running", ep.ID)
			return
		}

		customers, err := deps.Store.ListEndpointsByKind(storage.KindCustomer)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list endpoints: %v", err)
			return
		}
		topics := []string{bus.TopicGlobal}
		for _, c := range customers {
			topics = append(topics,
				bus.TopicEndpointPending(c.ID),
				bus.TopicEndpointCompleted(c.ID))
		}

		streamEvents(w, r, deps, topics)
	}
}

func handleGlobalEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		streamEvents(w, r, deps, []string{bus.TopicGlobal})
	}
}

// streamEvents subscribes to the given topics and writes each event in SSE
// framing until the client goes away.
func streamEvents(w http.ResponseWriter, r *http.Request, deps Deps, topics []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	merged := make(chan bus.Event)
	subs := make([]*bus.Subscription, 0, len(topics))
	for _, topic := range topics {
		subs = append(subs, deps.Bus.Subscribe(topic))
	}
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	for _, sub := range subs {
		go func(sub *bus.Subscription) {
			for {
				select {
				case e, ok := <-sub.C():
					if !ok {
						return
					}
					select {
					case merged <- e:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(sub)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-merged:
			data, err := json.Marshal(e)
			if err != nil {
				deps.Logger.Warn("drop unmarshalable event", "topic", e.Topic, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
			flusher.Flush()
		}
	}
}

package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry hands out one shared Generator per provider identifier. It is the
// configuration-time selection point: the provider half of an endpoint's
// model reference resolves here.
type Registry struct {
	opts Options

	mu    sync.Mutex
	cache map[string]Generator
}

// NewRegistry creates a Registry with the given construction options.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, cache: make(map[string]Generator)}
}

// For returns the Generator for a provider identifier, constructing it on
// first use. Unknown providers yield ErrUnsupportedProvider.
func (r *Registry) For(providerID string) (Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.cache[providerID]; ok {
		return g, nil
	}
	g, err := New(providerID, r.opts)
	if err != nil {
		return nil, err
	}
	r.cache[providerID] = g
	return g, nil
}

// CheckReady probes every listed provider concurrently and returns an error
// naming the first unreachable one. Unknown provider identifiers fail here
// rather than on the first customer request.
func (r *Registry) CheckReady(ctx context.Context, providerIDs []string) error {
	seen := make(map[string]bool, len(providerIDs))
	g, ctx := errgroup.WithContext(ctx)

	for _, id := range providerIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		gen, err := r.For(id)
		if err != nil {
			return err
		}

		g.Go(func() error {
			if !gen.IsRunning(ctx) {
				return fmt.Errorf("provider %s is not reachable", id)
			}
			return nil
		})
	}

	return g.Wait()
}

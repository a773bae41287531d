// Package ratelimit stellt quellenbezogene Rate-Limits und
// Parallelitäts-Schranken bereit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type sourceLimiter struct {
	limiter *rate.Limiter
	sem     chan struct{}
}

// Registry verwaltet pro Quelle einen Token-Bucket-Limiter plus ein
// Semaphor für die maximale Parallelität. Acquire blockiert, bis beides
// verfügbar ist oder der Context abläuft.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*sourceLimiter
}

// NewRegistry erstellt eine leere Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]*sourceLimiter)}
}

// Configure setzt Intervall und Parallelität einer Quelle. Ein Intervall
// von 0 bedeutet ungedrosselt.
func (r *Registry) Configure(source string, interval time.Duration, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lim := rate.NewLimiter(rate.Inf, 1)
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	r.sources[source] = &sourceLimiter{
		limiter: lim,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Acquire wartet auf einen freien Slot und den nächsten Token der
// Quelle. Der Aufrufer MUSS die zurückgegebene release-Funktion rufen.
// Unbekannte Quellen sind ungedrosselt.
func (r *Registry) Acquire(ctx context.Context, source string) (release func(), err error) {
	r.mu.Lock()
	sl, ok := r.sources[source]
	r.mu.Unlock()
	if !ok {
		return func() {}, nil
	}

	select {
	case sl.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := sl.limiter.Wait(ctx); err != nil {
		<-sl.sem
		return nil, err
	}
	return func() { <-sl.sem }, nil
}

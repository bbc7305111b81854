// Package availability periodically probes every adapter and caches
// the verdicts. The planner consults the cache to prune offline
// branches; it never probes inline on the query path.
package availability

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

const (
	probeTimeout = 5 * time.Second
	// degradedAfter marks a source degraded when its probe answers but
	// takes this long.
	degradedAfter = 2 * time.Second

	redisKeyPrefix = "conductor:availability:"
	redisTTL       = 5 * time.Minute
)

type Prober struct {
	adapters adapter.Set
	redis    *redis.Client // optional cross-process cache
	interval time.Duration

	mu       sync.RWMutex
	statuses map[string]model.Availability
}

func NewProber(adapters adapter.Set, redisClient *redis.Client, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		adapters: adapters,
		redis:    redisClient,
		interval: interval,
		statuses: make(map[string]model.Availability),
	}
}

// Run probes immediately, then on the interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "conductor.availability",
	})

	p.ProbeAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll tests every adapter concurrently and refreshes the cache.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for sourceID, a := range p.adapters {
		wg.Add(1)
		go func(sourceID string, a adapter.Adapter) {
			defer wg.Done()
			p.record(ctx, p.probe(ctx, sourceID, a))
		}(sourceID, a)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, sourceID string, a adapter.Adapter) model.Availability {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := a.Test(probeCtx)
	elapsed := time.Since(start)

	av := model.Availability{
		SourceID:       sourceID,
		LastChecked:    time.Now().UTC().Format(time.RFC3339),
		ResponseTimeMS: elapsed.Milliseconds(),
	}

	switch {
	case err == nil && elapsed < degradedAfter:
		av.Status = model.StatusOnline
	case err == nil:
		av.Status = model.StatusDegraded
	case oerr.KindOf(err) == oerr.KindAdapterPermanent:
		// The source answered but rejected us (auth, permissions).
		av.Status = model.StatusDegraded
		av.Error = err.Error()
	default:
		av.Status = model.StatusOffline
		av.Error = err.Error()
	}

	if av.Status != model.StatusOnline {
		slog.WarnContext(ctx, "source probe not healthy",
			"source_id", sourceID,
			"status", av.Status,
			"error", av.Error)
	}

	return av
}

func (p *Prober) record(ctx context.Context, av model.Availability) {
	p.mu.Lock()
	p.statuses[av.SourceID] = av
	p.mu.Unlock()

	if p.redis == nil {
		return
	}
	payload, err := json.Marshal(av)
	if err != nil {
		return
	}
	if err := p.redis.Set(ctx, redisKeyPrefix+av.SourceID, payload, redisTTL).Err(); err != nil {
		slog.WarnContext(ctx, "caching availability failed", "source_id", av.SourceID, "error", err)
	}
}

// Statuses returns the latest verdict per source. Unprobed sources are
// absent; callers treat absence as unknown.
func (p *Prober) Statuses() map[string]model.SourceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]model.SourceStatus, len(p.statuses))
	for id, av := range p.statuses {
		out[id] = av.Status
	}
	return out
}

// All returns the full availability records for the sources endpoint.
func (p *Prober) All() []model.Availability {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]model.Availability, 0, len(p.statuses))
	for _, av := range p.statuses {
		out = append(out, av)
	}
	return out
}

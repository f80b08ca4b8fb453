package engine

import (
	"context"
	"time"
)

// EvictExpired drops retained results older than the configured TTL and
// returns how many were removed. It is a no-op when no TTL is set.
func (e *Engine) EvictExpired(ctx context.Context) (int, error) {
	if e.opts.ResultTTL <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-e.opts.ResultTTL)

	e.mu.Lock()
	ids, err := e.store.Evict(ctx, cutoff)
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		e.broker.Close(id)
	}
	if len(ids) > 0 {
		resultsEvicted.Add(float64(len(ids)))
		e.logger.Info("evicted expired results", "count", len(ids), "ttl", e.opts.ResultTTL.String())
	}
	return len(ids), nil
}

func (e *Engine) evictExpired(ctx context.Context) {
	if _, err := e.EvictExpired(ctx); err != nil {
		e.logger.Error("result eviction failed", "error", err)
	}
}

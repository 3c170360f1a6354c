// Package pool implements proxy pool CRUD on top of a Store: add,
// remove, mark_dead, record_success/failure, listing and filtering,
// and flush_dead.
package pool

import (
	"context"
	"sort"

	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/store"
)

// Pool wraps a Store with the query/scoring helpers the rotation
// engine, maintainer, and control API all need.
type Pool struct {
	st store.Store
}

func New(st store.Store) *Pool {
	return &Pool{st: st}
}

// Add inserts or replaces a proxy record. Existing counters are
// preserved on re-add of an already-known key; only the protocol and a
// non-empty country are refreshed, and the source is set only when the
// stored record has none (first-seen wins).
func (p *Pool) Add(ctx context.Context, np pooltypes.Proxy) (pooltypes.Proxy, error) {
	key := np.Key()
	existing, err := p.st.GetProxy(ctx, key)
	if err == store.ErrNotFound {
		if np.CreatedAt == 0 {
			np.CreatedAt = pooltypes.Now().Unix()
		}
		if np.Status == "" {
			np.Status = pooltypes.StatusHealthy
		}
		if err := p.st.UpsertProxy(ctx, np); err != nil {
			return pooltypes.Proxy{}, err
		}
		return np, nil
	}
	if err != nil {
		return pooltypes.Proxy{}, err
	}

	existing.Protocol = np.Protocol
	if existing.Source == "" && np.Source != "" {
		existing.Source = np.Source
	}
	if np.Country != "" {
		existing.Country = np.Country
	}
	if err := p.st.UpsertProxy(ctx, existing); err != nil {
		return pooltypes.Proxy{}, err
	}
	return existing, nil
}

func (p *Pool) Remove(ctx context.Context, key string) error {
	return p.st.DeleteProxy(ctx, key)
}

func (p *Pool) MarkDead(ctx context.Context, key string) error {
	return p.st.MarkDead(ctx, key)
}

func (p *Pool) RecordSuccess(ctx context.Context, key string, latencyMs float64) (pooltypes.Proxy, error) {
	return p.st.RecordSuccess(ctx, key, latencyMs, pooltypes.Now())
}

func (p *Pool) RecordFailure(ctx context.Context, key string) (pooltypes.Proxy, error) {
	return p.st.RecordFailure(ctx, key, pooltypes.Now())
}

func (p *Pool) Get(ctx context.Context, key string) (pooltypes.Proxy, error) {
	return p.st.GetProxy(ctx, key)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status  pooltypes.Status // "" = any
	Country string           // "" = any
	Offset  int
	Limit   int // 0 = unbounded
}

// List returns proxies sorted by health_score desc, latency_ms asc
// (ties broken by key for determinism), filtered and paginated.
func (p *Pool) List(ctx context.Context, f ListFilter) ([]pooltypes.Proxy, int, error) {
	all, err := p.st.ListProxies(ctx)
	if err != nil {
		return nil, 0, err
	}

	filtered := all[:0:0]
	for _, proxy := range all {
		if f.Status != "" && proxy.Status != f.Status {
			continue
		}
		if f.Country != "" && proxy.Country != f.Country {
			continue
		}
		filtered = append(filtered, proxy)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].HealthScore != filtered[j].HealthScore {
			return filtered[i].HealthScore > filtered[j].HealthScore
		}
		if filtered[i].LatencyMs != filtered[j].LatencyMs {
			return filtered[i].LatencyMs < filtered[j].LatencyMs
		}
		return filtered[i].Key() < filtered[j].Key()
	})

	total := len(filtered)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return filtered[start:end], total, nil
}

// GetHealthy returns non-dead proxies with health_score >= minScore,
// sorted best-first (highest score, then lowest latency).
func (p *Pool) GetHealthy(ctx context.Context, minScore float64) ([]pooltypes.Proxy, error) {
	all, err := p.st.ListProxies(ctx)
	if err != nil {
		return nil, err
	}
	healthy := all[:0:0]
	for _, proxy := range all {
		if proxy.Status == pooltypes.StatusDead {
			continue
		}
		if proxy.HealthScore < minScore {
			continue
		}
		healthy = append(healthy, proxy)
	}
	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].HealthScore != healthy[j].HealthScore {
			return healthy[i].HealthScore > healthy[j].HealthScore
		}
		return healthy[i].LatencyMs < healthy[j].LatencyMs
	})
	return healthy, nil
}

// FlushDead removes every dead record from the index entirely,
// returning the count removed.
func (p *Pool) FlushDead(ctx context.Context) (int, error) {
	all, err := p.st.ListProxies(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, proxy := range all {
		if proxy.Status != pooltypes.StatusDead {
			continue
		}
		if err := p.st.DeleteProxy(ctx, proxy.Key()); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Stats summarizes pool composition for the control API.
type Stats struct {
	Total       int     `json:"total"`
	Healthy     int     `json:"healthy"`
	Dead        int     `json:"dead"`
	AvgLatency  float64 `json:"avg_latency_ms"`
	AvgHealth   float64 `json:"avg_health_score"`
	LastUpdated int64   `json:"last_updated"`
}

func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	all, err := p.st.ListProxies(ctx)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	var latSum, healthSum float64
	var lastUpdated int64
	s.Total = len(all)
	for _, proxy := range all {
		if proxy.Status == pooltypes.StatusDead {
			s.Dead++
		} else {
			s.Healthy++
		}
		latSum += proxy.LatencyMs
		healthSum += proxy.HealthScore
		if proxy.LastChecked > lastUpdated {
			lastUpdated = proxy.LastChecked
		}
	}
	if s.Total > 0 {
		s.AvgLatency = latSum / float64(s.Total)
		s.AvgHealth = healthSum / float64(s.Total)
	}
	s.LastUpdated = lastUpdated
	return s, nil
}

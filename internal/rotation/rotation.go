// Package rotation implements the five proxy-selection strategies and
// the domain-override resolution that sits in front of them.
package rotation

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/net/idna"

	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/store"
)

// ErrNoHealthyProxies is returned when a strategy has no candidate
// left to select from, after exclusions.
var ErrNoHealthyProxies = errors.New("rotation: no healthy proxies available")

// SelectContext carries the per-request inputs a strategy may need.
type SelectContext struct {
	SessionID    string
	TargetDomain string
	Country      string
}

// Strategy picks the next proxy given the current candidate exclusion
// set (proxies already tried and blocked/failed on this request).
type Strategy interface {
	Name() pooltypes.Strategy
	Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error)
}

// Engine resolves the effective strategy (global or per-domain
// override) and dispatches to it.
type Engine struct {
	st   store.Store
	pl   *pool.Pool
	strs map[pooltypes.Strategy]Strategy
}

func NewEngine(st store.Store, pl *pool.Pool) *Engine {
	e := &Engine{st: st, pl: pl}
	e.strs = map[pooltypes.Strategy]Strategy{
		pooltypes.StrategyPerRequest: &PerRequest{pl: pl},
		pooltypes.StrategyPerSession: &PerSession{st: st, pl: pl},
		pooltypes.StrategyTimeBased:  &TimeBased{st: st, pl: pl},
		pooltypes.StrategyOnBlock:    &OnBlock{st: st, pl: pl},
		pooltypes.StrategyRoundRobin: &RoundRobin{st: st, pl: pl},
	}
	return e
}

// Select resolves the effective strategy — a domain override if one
// matches sc.TargetDomain, else the global rotation config — and asks
// it for the next proxy.
func (e *Engine) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, pooltypes.Strategy, error) {
	strategyName := pooltypes.StrategyPerRequest
	if cfg, err := e.st.GetRotationConfig(ctx); err == nil && cfg.Strategy != "" {
		strategyName = cfg.Strategy
	}

	if sc.TargetDomain != "" {
		sc.TargetDomain = normalizeDomain(sc.TargetDomain)
		if override, ok, err := e.st.GetDomainOverride(ctx, sc.TargetDomain); err == nil && ok {
			strategyName = override.Strategy
			if sc.Country == "" {
				sc.Country = override.Country
			}
		}
	}

	strat, ok := e.strs[strategyName]
	if !ok {
		strat = e.strs[pooltypes.StrategyPerRequest]
		strategyName = pooltypes.StrategyPerRequest
	}

	p, err := strat.Select(ctx, sc, exclude)
	return p, strategyName, err
}

// DropSession removes a session's sticky pin, e.g. after its proxy
// gets blocked, forcing per-session to assign a fresh one next call.
func (e *Engine) DropSession(ctx context.Context, sessionID string) error {
	return e.st.DropSession(ctx, sessionID)
}

// InvalidatePin clears a time-based/on-block pin so the next Select
// call for that strategy re-evaluates from the healthy pool.
func (e *Engine) InvalidatePin(ctx context.Context, strategy pooltypes.Strategy) error {
	return e.st.ClearPin(ctx, string(strategy))
}

// normalizeDomain converts an internationalized domain (e.g. from a
// CONNECT request's Host header) to its ASCII/punycode form so
// domain-override lookups match regardless of how the client encoded
// the hostname. Falls back to the original string on any IDNA error.
func normalizeDomain(domain string) string {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain
	}
	return ascii
}

func filterExcluded(proxies []pooltypes.Proxy, exclude map[string]bool, country string) []pooltypes.Proxy {
	out := proxies[:0:0]
	for _, p := range proxies {
		if exclude[p.Key()] {
			continue
		}
		if country != "" && p.Country != country {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PerRequest picks a fresh, uniformly-random proxy for every call. No
// state carries across calls.
type PerRequest struct {
	pl *pool.Pool
}

func (s *PerRequest) Name() pooltypes.Strategy { return pooltypes.StrategyPerRequest }

func (s *PerRequest) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error) {
	proxies, err := s.pl.GetHealthy(ctx, 0)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	proxies = filterExcluded(proxies, exclude, sc.Country)
	if len(proxies) == 0 {
		return pooltypes.Proxy{}, ErrNoHealthyProxies
	}
	return proxies[rand.Intn(len(proxies))], nil
}

// PerSession keeps a sticky ip:port per session ID until it expires
// or is dropped (e.g. on block), then assigns and pins a new one.
type PerSession struct {
	st store.Store
	pl *pool.Pool
}

func (s *PerSession) Name() pooltypes.Strategy { return pooltypes.StrategyPerSession }

func (s *PerSession) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error) {
	ttl := 300 * time.Second
	if cfg, err := s.st.GetRotationConfig(ctx); err == nil && cfg.SessionTTLSeconds > 0 {
		ttl = time.Duration(cfg.SessionTTLSeconds) * time.Second
	}

	if sc.SessionID != "" {
		if key, ok, err := s.st.GetSession(ctx, sc.SessionID); err == nil && ok && !exclude[key] {
			if p, err := s.pl.Get(ctx, key); err == nil && p.Status != pooltypes.StatusDead {
				_ = s.st.SetSession(ctx, sc.SessionID, key, ttl)
				return p, nil
			}
		}
	}

	proxies, err := s.pl.GetHealthy(ctx, 0)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	proxies = filterExcluded(proxies, exclude, sc.Country)
	if len(proxies) == 0 {
		return pooltypes.Proxy{}, ErrNoHealthyProxies
	}
	p := proxies[rand.Intn(len(proxies))]

	if sc.SessionID != "" {
		_ = s.st.SetSession(ctx, sc.SessionID, p.Key(), ttl)
	}
	return p, nil
}

// TimeBased pins one proxy process-wide and rotates it only once the
// configured interval elapses, independent of request volume.
type TimeBased struct {
	st store.Store
	pl *pool.Pool
}

func (s *TimeBased) Name() pooltypes.Strategy { return pooltypes.StrategyTimeBased }

func (s *TimeBased) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error) {
	interval := 30 * time.Second
	if cfg, err := s.st.GetRotationConfig(ctx); err == nil && cfg.RotationIntervalSeconds > 0 {
		interval = time.Duration(cfg.RotationIntervalSeconds) * time.Second
	}

	if key, setAt, ok, err := s.st.GetPin(ctx, string(pooltypes.StrategyTimeBased)); err == nil && ok {
		if !exclude[key] && pooltypes.Now().Sub(setAt) < interval {
			if p, err := s.pl.Get(ctx, key); err == nil && p.Status != pooltypes.StatusDead {
				return p, nil
			}
		}
	}

	proxies, err := s.pl.GetHealthy(ctx, 0)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	proxies = filterExcluded(proxies, exclude, sc.Country)
	if len(proxies) == 0 {
		return pooltypes.Proxy{}, ErrNoHealthyProxies
	}
	p := proxies[rand.Intn(len(proxies))]
	_ = s.st.SetPin(ctx, string(pooltypes.StrategyTimeBased), p.Key(), pooltypes.Now())
	return p, nil
}

// OnBlock keeps using the same proxy until the gateway reports a
// block (which invalidates the pin via Engine.InvalidatePin), then
// picks the single best-scoring healthy proxy.
type OnBlock struct {
	st store.Store
	pl *pool.Pool
}

func (s *OnBlock) Name() pooltypes.Strategy { return pooltypes.StrategyOnBlock }

func (s *OnBlock) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error) {
	if key, _, ok, err := s.st.GetPin(ctx, string(pooltypes.StrategyOnBlock)); err == nil && ok && !exclude[key] {
		if p, err := s.pl.Get(ctx, key); err == nil && p.Status != pooltypes.StatusDead {
			return p, nil
		}
	}

	proxies, err := s.pl.GetHealthy(ctx, 0)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	proxies = filterExcluded(proxies, exclude, sc.Country)
	if len(proxies) == 0 {
		return pooltypes.Proxy{}, ErrNoHealthyProxies
	}
	p := proxies[0] // best health score first, per GetHealthy's sort order
	_ = s.st.SetPin(ctx, string(pooltypes.StrategyOnBlock), p.Key(), pooltypes.Now())
	return p, nil
}

// RoundRobin cycles through the healthy pool in its stable sorted
// order, advancing a shared cursor with every selection.
type RoundRobin struct {
	st store.Store
	pl *pool.Pool
}

func (s *RoundRobin) Name() pooltypes.Strategy { return pooltypes.StrategyRoundRobin }

func (s *RoundRobin) Select(ctx context.Context, sc SelectContext, exclude map[string]bool) (pooltypes.Proxy, error) {
	proxies, err := s.pl.GetHealthy(ctx, 0)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	proxies = filterExcluded(proxies, exclude, sc.Country)
	if len(proxies) == 0 {
		return pooltypes.Proxy{}, ErrNoHealthyProxies
	}
	sort.Slice(proxies, func(i, j int) bool { return proxies[i].Key() < proxies[j].Key() })

	cursor, err := s.st.NextRotationCursor(ctx)
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	idx := int((cursor - 1) % int64(len(proxies)))
	return proxies[idx], nil
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"rotaproxy/internal/pooltypes"
)

// MemoryStore is an in-process Store used by package tests across
// pool/rotation/maintainer/gateway. None of the example repos in this
// project's lineage ship a Redis test harness (miniredis or similar),
// so this is the one component built on nothing but the standard
// library: it exists purely to let every other package's tests run
// without a live Redis instance, not as a production backend.
type MemoryStore struct {
	mu sync.Mutex

	proxies   map[string]pooltypes.Proxy
	rotation  pooltypes.RotationConfig
	cursor    int64
	pins      map[string]pin
	sessions  map[string]sessionEntry
	overrides map[string]pooltypes.DomainOverride
	ring      []pooltypes.RequestRecord

	subsMu sync.Mutex
	subs   []chan pooltypes.RequestRecord
}

type pin struct {
	key   string
	setAt time.Time
}

type sessionEntry struct {
	key      string
	expireAt time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proxies:   make(map[string]pooltypes.Proxy),
		pins:      make(map[string]pin),
		sessions:  make(map[string]sessionEntry),
		overrides: make(map[string]pooltypes.DomainOverride),
	}
}

func (s *MemoryStore) UpsertProxy(_ context.Context, p pooltypes.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies[p.Key()] = p
	return nil
}

func (s *MemoryStore) GetProxy(_ context.Context, key string) (pooltypes.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[key]
	if !ok {
		return pooltypes.Proxy{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) DeleteProxy(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proxies, key)
	return nil
}

func (s *MemoryStore) ListProxyKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.proxies))
	for k := range s.proxies {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) ListProxies(ctx context.Context) ([]pooltypes.Proxy, error) {
	keys, _ := s.ListProxyKeys(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pooltypes.Proxy, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.proxies[k])
	}
	return out, nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, key string, latencyMs float64, now time.Time) (pooltypes.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[key]
	if !ok {
		return pooltypes.Proxy{}, ErrNotFound
	}
	p.ApplySuccess(latencyMs, now.Unix())
	s.proxies[key] = p
	return p, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, key string, now time.Time) (pooltypes.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[key]
	if !ok {
		return pooltypes.Proxy{}, ErrNotFound
	}
	p.ApplyFailure(now.Unix())
	s.proxies[key] = p
	return p, nil
}

func (s *MemoryStore) MarkDead(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proxies[key]
	if !ok {
		return ErrNotFound
	}
	p.Status = pooltypes.StatusDead
	s.proxies[key] = p
	return nil
}

func (s *MemoryStore) GetRotationConfig(_ context.Context) (pooltypes.RotationConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotation, nil
}

func (s *MemoryStore) SetRotationConfig(_ context.Context, cfg pooltypes.RotationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation = cfg
	return nil
}

func (s *MemoryStore) NextRotationCursor(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor++
	return s.cursor, nil
}

func (s *MemoryStore) GetPin(_ context.Context, name string) (string, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[name]
	if !ok {
		return "", time.Time{}, false, nil
	}
	return p.key, p.setAt, true, nil
}

func (s *MemoryStore) SetPin(_ context.Context, name string, key string, setAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[name] = pin{key: key, setAt: setAt}
	return nil
}

func (s *MemoryStore) ClearPin(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, name)
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok || pooltypes.Now().After(entry.expireAt) {
		return "", false, nil
	}
	return entry.key, true, nil
}

func (s *MemoryStore) SetSession(_ context.Context, sessionID string, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sessionEntry{key: key, expireAt: pooltypes.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) DropSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) GetDomainOverride(_ context.Context, domain string) (pooltypes.DomainOverride, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[domain]
	return o, ok, nil
}

func (s *MemoryStore) SetDomainOverride(_ context.Context, o pooltypes.DomainOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[o.Domain] = o
	return nil
}

func (s *MemoryStore) DeleteDomainOverride(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, domain)
	return nil
}

func (s *MemoryStore) ListDomainOverrides(_ context.Context) ([]pooltypes.DomainOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pooltypes.DomainOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		out = append(out, o)
	}
	return out, nil
}

func (s *MemoryStore) PushRequest(_ context.Context, r pooltypes.RequestRecord, ringSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = append([]pooltypes.RequestRecord{r}, s.ring...)
	if int64(len(s.ring)) > ringSize {
		s.ring = s.ring[:ringSize]
	}
	s.publish(r)
	return nil
}

func (s *MemoryStore) ListRequests(_ context.Context, limit int64) ([]pooltypes.RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > int64(len(s.ring)) {
		limit = int64(len(s.ring))
	}
	out := make([]pooltypes.RequestRecord, limit)
	copy(out, s.ring[:limit])
	return out, nil
}

func (s *MemoryStore) PublishLive(_ context.Context, r pooltypes.RequestRecord) error {
	s.publish(r)
	return nil
}

func (s *MemoryStore) publish(r pooltypes.RequestRecord) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

func (s *MemoryStore) SubscribeLive(ctx context.Context) (<-chan pooltypes.RequestRecord, func(), error) {
	ch := make(chan pooltypes.RequestRecord, 32)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Close() error { return nil }

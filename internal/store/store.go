// Package store defines the shared key-value contract every other
// component (pool, rotation, maintainer, gateway, api) talks to, and a
// Redis-backed implementation of it.
package store

import (
	"context"
	"errors"
	"time"

	"rotaproxy/internal/pooltypes"
)

// ErrNotFound is returned when a lookup finds no record.
var ErrNotFound = errors.New("store: not found")

// Store is the shared-state contract. A single Redis instance (or, in
// tests, the in-memory double in memory.go) backs every component that
// needs cross-process visibility into the proxy pool, rotation
// cursors/pins, sessions, domain overrides, and the request feed.
type Store interface {
	// Proxy records.
	UpsertProxy(ctx context.Context, p pooltypes.Proxy) error
	GetProxy(ctx context.Context, key string) (pooltypes.Proxy, error)
	DeleteProxy(ctx context.Context, key string) error
	ListProxyKeys(ctx context.Context) ([]string, error)
	ListProxies(ctx context.Context) ([]pooltypes.Proxy, error)

	// RecordSuccess and RecordFailure atomically update a proxy's
	// counters and recompute health_score/status, returning the updated
	// record (ErrNotFound if the key is unknown).
	RecordSuccess(ctx context.Context, key string, latencyMs float64, now time.Time) (pooltypes.Proxy, error)
	RecordFailure(ctx context.Context, key string, now time.Time) (pooltypes.Proxy, error)
	MarkDead(ctx context.Context, key string) error

	// Rotation config (the process-wide singleton).
	GetRotationConfig(ctx context.Context) (pooltypes.RotationConfig, error)
	SetRotationConfig(ctx context.Context, cfg pooltypes.RotationConfig) error

	// Round-robin cursor, atomically incremented.
	NextRotationCursor(ctx context.Context) (int64, error)

	// Named pins (time-based / on-block strategies each keep a pin
	// under their own name so they don't collide).
	GetPin(ctx context.Context, name string) (key string, setAt time.Time, ok bool, err error)
	SetPin(ctx context.Context, name string, key string, setAt time.Time) error
	ClearPin(ctx context.Context, name string) error

	// Sessions (per-session strategy stickiness).
	GetSession(ctx context.Context, sessionID string) (key string, ok bool, err error)
	SetSession(ctx context.Context, sessionID string, key string, ttl time.Duration) error
	DropSession(ctx context.Context, sessionID string) error

	// Domain overrides.
	GetDomainOverride(ctx context.Context, domain string) (pooltypes.DomainOverride, bool, error)
	SetDomainOverride(ctx context.Context, o pooltypes.DomainOverride) error
	DeleteDomainOverride(ctx context.Context, domain string) error
	ListDomainOverrides(ctx context.Context) ([]pooltypes.DomainOverride, error)

	// Request ring + live feed.
	PushRequest(ctx context.Context, r pooltypes.RequestRecord, ringSize int64) error
	ListRequests(ctx context.Context, limit int64) ([]pooltypes.RequestRecord, error)
	PublishLive(ctx context.Context, r pooltypes.RequestRecord) error
	SubscribeLive(ctx context.Context) (<-chan pooltypes.RequestRecord, func(), error)

	Close() error
}

// Package pooltypes holds the data model shared by the pool, rotation
// engine, maintainer, and gateway: proxy records, rotation config,
// domain overrides, and request log entries.
package pooltypes

import (
	"strconv"
	"time"
)

// Status is the health state of a proxy record.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusDead    Status = "dead"
)

// Strategy names a rotation strategy.
type Strategy string

const (
	StrategyPerRequest Strategy = "per-request"
	StrategyPerSession Strategy = "per-session"
	StrategyTimeBased  Strategy = "time-based"
	StrategyOnBlock    Strategy = "on-block"
	StrategyRoundRobin Strategy = "round-robin"
)

// MaxConsecutiveFailures is the threshold at which a proxy is
// auto-marked dead. Once reached, the record never appears in
// get_healthy() results until it recovers with a success.
const MaxConsecutiveFailures = 3

// Proxy is a single upstream proxy record, keyed by ip:port.
type Proxy struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`

	Source  string `json:"source"`
	Country string `json:"country,omitempty"`

	LatencyMs float64 `json:"latency_ms"`

	SuccessCount         int64 `json:"success_count"`
	FailCount            int64 `json:"fail_count"`
	TotalChecks          int64 `json:"total_checks"`
	ConsecutiveFailures  int64 `json:"consecutive_failures"`

	HealthScore float64 `json:"health_score"`

	LastChecked int64  `json:"last_checked"`
	Status      Status `json:"status"`

	CreatedAt int64 `json:"created_at"`
}

// Key returns the canonical ip:port identity of the record.
func (p Proxy) Key() string {
	return Key(p.IP, p.Port)
}

// Key formats an ip:port pair the same way Proxy.Key does, so callers
// building keys from raw address strings stay consistent with stored
// records.
func Key(ip string, port uint16) string {
	return ip + ":" + strconv.FormatUint(uint64(port), 10)
}

// RecomputeHealthScore recalculates HealthScore from the counters.
// 100 * success_count / total_checks when total_checks > 0, else 0.
func (p *Proxy) RecomputeHealthScore() {
	if p.TotalChecks > 0 {
		p.HealthScore = 100 * float64(p.SuccessCount) / float64(p.TotalChecks)
	} else {
		p.HealthScore = 0
	}
}

// ApplySuccess mutates the record per Pool.record_success semantics.
func (p *Proxy) ApplySuccess(latencyMs float64, now int64) {
	p.SuccessCount++
	p.TotalChecks++
	p.ConsecutiveFailures = 0
	p.LatencyMs = latencyMs
	p.LastChecked = now
	p.Status = StatusHealthy
	p.RecomputeHealthScore()
}

// ApplyFailure mutates the record per Pool.record_failure semantics,
// auto-marking the record dead at MaxConsecutiveFailures.
func (p *Proxy) ApplyFailure(now int64) {
	p.FailCount++
	p.TotalChecks++
	p.ConsecutiveFailures++
	p.LastChecked = now
	p.RecomputeHealthScore()
	if p.ConsecutiveFailures >= MaxConsecutiveFailures {
		p.Status = StatusDead
	}
}

// RotationConfig is the process-wide rotation singleton.
type RotationConfig struct {
	Strategy                Strategy `json:"strategy"`
	SessionTTLSeconds       int      `json:"session_ttl_seconds"`
	RotationIntervalSeconds int      `json:"rotation_interval_seconds"`
}

// DomainOverride pins a strategy (and optional country filter) to a
// specific lowercased domain.
type DomainOverride struct {
	Domain   string   `json:"domain"`
	Strategy Strategy `json:"strategy"`
	Country  string   `json:"country,omitempty"`
}

// RequestRecord is one gateway attempt, pushed to the ring and
// published to the live feed.
type RequestRecord struct {
	RequestID       string            `json:"request_id"`
	TS              float64           `json:"ts"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	TargetDomain    string            `json:"target_domain"`
	ProxyIP         string            `json:"proxy_ip"`
	Status          int               `json:"status"`
	LatencyMs       float64           `json:"latency_ms"`
	Blocked         bool              `json:"blocked"`
	Attempt         int               `json:"attempt"`
	Strategy        string            `json:"strategy"`
	Error           string            `json:"error,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
}

// Now is the single place request/probe timestamps are minted, so
// tests can substitute a fixed clock.
var Now = func() time.Time { return time.Now() }

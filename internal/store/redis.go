package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rotaproxy/internal/pooltypes"
)

const (
	keyPoolIndex       = "pool:index"
	keyRotationConfig  = "rotation:config"
	keyRotationCursor  = "rotation:cursor"
	keyRequestRing     = "ring:requests"
	keyLiveChannel     = "channel:live"
	pinKeyPrefix       = "rotation:pinned:"
	sessionKeyPrefix   = "session:"
	overrideKeyPrefix  = "override:"
	proxyKeyPrefix     = "proxy:"
)

// RedisStore is the production Store backed by a single Redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity with a bounded ping,
// following the connect-then-ping pattern used across this project's
// storage adapters.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func proxyHashKey(key string) string { return proxyKeyPrefix + key }

func (s *RedisStore) UpsertProxy(ctx context.Context, p pooltypes.Proxy) error {
	key := p.Key()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, proxyHashKey(key), proxyFields(p))
	pipe.SAdd(ctx, keyPoolIndex, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetProxy(ctx context.Context, key string) (pooltypes.Proxy, error) {
	m, err := s.client.HGetAll(ctx, proxyHashKey(key)).Result()
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	if len(m) == 0 {
		return pooltypes.Proxy{}, ErrNotFound
	}
	return proxyFromFields(key, m), nil
}

func (s *RedisStore) DeleteProxy(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, proxyHashKey(key))
	pipe.SRem(ctx, keyPoolIndex, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListProxyKeys(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, keyPoolIndex).Result()
}

func (s *RedisStore) ListProxies(ctx context.Context) ([]pooltypes.Proxy, error) {
	keys, err := s.ListProxyKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]pooltypes.Proxy, 0, len(keys))
	for _, k := range keys {
		p, err := s.GetProxy(ctx, k)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// recordSuccessScript and recordFailureScript apply the counter update
// and the derived health_score/status fields in a single EVAL, so two
// goroutines recording against the same key (a gateway retry racing a
// maintainer probe, for instance) can't interleave a read-modify-write
// and lose an update. Each returns 0 if the key doesn't exist yet, 1
// on success, so the Go side can distinguish ErrNotFound without a
// second round trip.
var recordSuccessScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local success = tonumber(redis.call('HINCRBY', KEYS[1], 'success_count', 1))
local total = tonumber(redis.call('HINCRBY', KEYS[1], 'total_checks', 1))
redis.call('HSET', KEYS[1], 'consecutive_failures', 0)
redis.call('HSET', KEYS[1], 'latency_ms', ARGV[1])
redis.call('HSET', KEYS[1], 'last_checked', ARGV[2])
redis.call('HSET', KEYS[1], 'status', 'healthy')
local score = 0
if total > 0 then
	score = 100 * success / total
end
redis.call('HSET', KEYS[1], 'health_score', score)
return 1
`)

var recordFailureScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local success = tonumber(redis.call('HGET', KEYS[1], 'success_count') or '0')
local total = tonumber(redis.call('HINCRBY', KEYS[1], 'total_checks', 1))
redis.call('HINCRBY', KEYS[1], 'fail_count', 1)
local consecutive = tonumber(redis.call('HINCRBY', KEYS[1], 'consecutive_failures', 1))
redis.call('HSET', KEYS[1], 'last_checked', ARGV[1])
local score = 0
if total > 0 then
	score = 100 * success / total
end
redis.call('HSET', KEYS[1], 'health_score', score)
if consecutive >= 3 then
	redis.call('HSET', KEYS[1], 'status', 'dead')
end
return 1
`)

func (s *RedisStore) RecordSuccess(ctx context.Context, key string, latencyMs float64, now time.Time) (pooltypes.Proxy, error) {
	found, err := recordSuccessScript.Run(ctx, s.client, []string{proxyHashKey(key)}, latencyMs, now.Unix()).Int()
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	if found == 0 {
		return pooltypes.Proxy{}, ErrNotFound
	}
	return s.GetProxy(ctx, key)
}

func (s *RedisStore) RecordFailure(ctx context.Context, key string, now time.Time) (pooltypes.Proxy, error) {
	found, err := recordFailureScript.Run(ctx, s.client, []string{proxyHashKey(key)}, now.Unix()).Int()
	if err != nil {
		return pooltypes.Proxy{}, err
	}
	if found == 0 {
		return pooltypes.Proxy{}, ErrNotFound
	}
	return s.GetProxy(ctx, key)
}

func (s *RedisStore) MarkDead(ctx context.Context, key string) error {
	return s.client.HSet(ctx, proxyHashKey(key), "status", string(pooltypes.StatusDead)).Err()
}

func (s *RedisStore) GetRotationConfig(ctx context.Context) (pooltypes.RotationConfig, error) {
	m, err := s.client.HGetAll(ctx, keyRotationConfig).Result()
	if err != nil {
		return pooltypes.RotationConfig{}, err
	}
	if len(m) == 0 {
		return pooltypes.RotationConfig{}, ErrNotFound
	}
	ttl, _ := strconv.Atoi(m["session_ttl_seconds"])
	interval, _ := strconv.Atoi(m["rotation_interval_seconds"])
	return pooltypes.RotationConfig{
		Strategy:                pooltypes.Strategy(m["strategy"]),
		SessionTTLSeconds:       ttl,
		RotationIntervalSeconds: interval,
	}, nil
}

func (s *RedisStore) SetRotationConfig(ctx context.Context, cfg pooltypes.RotationConfig) error {
	return s.client.HSet(ctx, keyRotationConfig, map[string]interface{}{
		"strategy":                  string(cfg.Strategy),
		"session_ttl_seconds":       cfg.SessionTTLSeconds,
		"rotation_interval_seconds": cfg.RotationIntervalSeconds,
	}).Err()
}

func (s *RedisStore) NextRotationCursor(ctx context.Context) (int64, error) {
	return s.client.Incr(ctx, keyRotationCursor).Result()
}

func (s *RedisStore) GetPin(ctx context.Context, name string) (string, time.Time, bool, error) {
	m, err := s.client.HGetAll(ctx, pinKeyPrefix+name).Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	if len(m) == 0 {
		return "", time.Time{}, false, nil
	}
	tsUnix, _ := strconv.ParseInt(m["ts"], 10, 64)
	return m["key"], time.Unix(tsUnix, 0), true, nil
}

func (s *RedisStore) SetPin(ctx context.Context, name string, key string, setAt time.Time) error {
	return s.client.HSet(ctx, pinKeyPrefix+name, map[string]interface{}{
		"key": key,
		"ts":  setAt.Unix(),
	}).Err()
}

func (s *RedisStore) ClearPin(ctx context.Context, name string) error {
	return s.client.Del(ctx, pinKeyPrefix+name).Err()
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (string, bool, error) {
	v, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) SetSession(ctx context.Context, sessionID string, key string, ttl time.Duration) error {
	return s.client.SetEx(ctx, sessionKeyPrefix+sessionID, key, ttl).Err()
}

func (s *RedisStore) DropSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

func (s *RedisStore) GetDomainOverride(ctx context.Context, domain string) (pooltypes.DomainOverride, bool, error) {
	m, err := s.client.HGetAll(ctx, overrideKeyPrefix+domain).Result()
	if err != nil {
		return pooltypes.DomainOverride{}, false, err
	}
	if len(m) == 0 {
		return pooltypes.DomainOverride{}, false, nil
	}
	return pooltypes.DomainOverride{
		Domain:   domain,
		Strategy: pooltypes.Strategy(m["strategy"]),
		Country:  m["country"],
	}, true, nil
}

func (s *RedisStore) SetDomainOverride(ctx context.Context, o pooltypes.DomainOverride) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, overrideKeyPrefix+o.Domain, map[string]interface{}{
		"strategy": string(o.Strategy),
		"country":  o.Country,
	})
	pipe.SAdd(ctx, "override:index", o.Domain)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteDomainOverride(ctx context.Context, domain string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, overrideKeyPrefix+domain)
	pipe.SRem(ctx, "override:index", domain)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListDomainOverrides(ctx context.Context) ([]pooltypes.DomainOverride, error) {
	domains, err := s.client.SMembers(ctx, "override:index").Result()
	if err != nil {
		return nil, err
	}
	out := make([]pooltypes.DomainOverride, 0, len(domains))
	for _, d := range domains {
		o, ok, err := s.GetDomainOverride(ctx, d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *RedisStore) PushRequest(ctx context.Context, r pooltypes.RequestRecord, ringSize int64) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, keyRequestRing, data)
	pipe.LTrim(ctx, keyRequestRing, 0, ringSize-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListRequests(ctx context.Context, limit int64) ([]pooltypes.RequestRecord, error) {
	raw, err := s.client.LRange(ctx, keyRequestRing, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]pooltypes.RequestRecord, 0, len(raw))
	for _, item := range raw {
		var r pooltypes.RequestRecord
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) PublishLive(ctx context.Context, r pooltypes.RequestRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, keyLiveChannel, data).Err()
}

func (s *RedisStore) SubscribeLive(ctx context.Context) (<-chan pooltypes.RequestRecord, func(), error) {
	sub := s.client.Subscribe(ctx, keyLiveChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, err
	}

	out := make(chan pooltypes.RequestRecord, 32)
	msgCh := sub.Channel()
	go func() {
		defer close(out)
		for msg := range msgCh {
			var r pooltypes.RequestRecord
			if err := json.Unmarshal([]byte(msg.Payload), &r); err != nil {
				continue
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { sub.Close() }, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func proxyFields(p pooltypes.Proxy) map[string]interface{} {
	return map[string]interface{}{
		"ip":                   p.IP,
		"port":                 p.Port,
		"protocol":             p.Protocol,
		"source":               p.Source,
		"country":              p.Country,
		"latency_ms":           p.LatencyMs,
		"success_count":        p.SuccessCount,
		"fail_count":           p.FailCount,
		"total_checks":         p.TotalChecks,
		"consecutive_failures": p.ConsecutiveFailures,
		"health_score":         p.HealthScore,
		"last_checked":         p.LastChecked,
		"status":               string(p.Status),
		"created_at":           p.CreatedAt,
	}
}

func proxyFromFields(key string, m map[string]string) pooltypes.Proxy {
	port, _ := strconv.ParseUint(m["port"], 10, 16)
	latency, _ := strconv.ParseFloat(m["latency_ms"], 64)
	success, _ := strconv.ParseInt(m["success_count"], 10, 64)
	fail, _ := strconv.ParseInt(m["fail_count"], 10, 64)
	total, _ := strconv.ParseInt(m["total_checks"], 10, 64)
	consec, _ := strconv.ParseInt(m["consecutive_failures"], 10, 64)
	health, _ := strconv.ParseFloat(m["health_score"], 64)
	lastChecked, _ := strconv.ParseInt(m["last_checked"], 10, 64)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)

	ip := m["ip"]
	if ip == "" {
		// Fall back to the index key (ip:port) if the ip field is
		// somehow missing, so callers always get a usable record.
		if idx := lastColon(key); idx >= 0 {
			ip = key[:idx]
		}
	}

	return pooltypes.Proxy{
		IP:                  ip,
		Port:                uint16(port),
		Protocol:            m["protocol"],
		Source:              m["source"],
		Country:             m["country"],
		LatencyMs:           latency,
		SuccessCount:        success,
		FailCount:           fail,
		TotalChecks:         total,
		ConsecutiveFailures: consec,
		HealthScore:         health,
		LastChecked:         lastChecked,
		Status:              pooltypes.Status(m["status"]),
		CreatedAt:           createdAt,
	}
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

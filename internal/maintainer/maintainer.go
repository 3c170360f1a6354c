package maintainer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/config"
	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
)

// Maintainer runs the background loops that keep the pool fresh: a
// refresh loop that re-fetches sources and upserts new proxies, a
// health-check loop that re-probes the pool and applies
// success/failure to each record, and a flush loop that removes dead
// records.
type Maintainer struct {
	cfg     config.MaintainerConfig
	pl      *pool.Pool
	fetcher *SourceFetcher
	checker *Checker
	client  *http.Client
}

func New(cfg config.MaintainerConfig, pl *pool.Pool) *Maintainer {
	timeout := time.Duration(cfg.HealthCheckTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Maintainer{
		cfg:     cfg,
		pl:      pl,
		fetcher: NewSourceFetcher(cfg.UserAgent),
		checker: NewChecker(timeout, cfg.MaxConcurrentChecks),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Refresh fetches every enabled source, upserts the union into the
// pool, and tops up from Webshare if the healthy count is still below
// the configured minimum.
func (m *Maintainer) Refresh(ctx context.Context) (added int, sourceStats map[string]SourceStats, err error) {
	fetched, stats, err := m.fetcher.FetchAll(ctx, m.cfg.Sources)
	if err != nil {
		return 0, nil, err
	}

	ctx2 := ctx
	for _, fp := range fetched {
		_, err := m.pl.Add(ctx2, pooltypes.Proxy{
			IP:       fp.IP,
			Port:     fp.Port,
			Protocol: fp.Protocol,
			Source:   fp.Source,
		})
		if err != nil {
			log.WithFields(log.Fields{"component": "maintainer"}).Warnf("add proxy %s:%d: %v", fp.IP, fp.Port, err)
			continue
		}
		added++
	}

	healthy, err := m.pl.GetHealthy(ctx, 0)
	if err == nil && len(healthy) < m.cfg.MinPoolSize && m.cfg.Webshare.Enabled {
		topped := m.topUpWebshare(ctx)
		added += topped
	}

	log.WithFields(log.Fields{"component": "maintainer"}).Infof("refresh complete: %d proxies upserted", added)
	return added, stats, nil
}

type webshareItem struct {
	ProxyAddress string `json:"proxy_address"`
	Port         int    `json:"port"`
	CountryCode  string `json:"country_code"`
}

type webshareResponse struct {
	Results []webshareItem `json:"results"`
}

// topUpWebshare pulls a page of proxies from the Webshare free-tier
// API when the pool is running thin, mirroring the fallback source
// the original scraper falls back to under the same condition.
func (m *Maintainer) topUpWebshare(ctx context.Context) int {
	apiKey := os.Getenv(m.cfg.Webshare.APIKeyEnv)
	if apiKey == "" {
		return 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://proxy.webshare.io/api/v2/proxy/list/?mode=direct&page=1&page_size=25", nil)
	if err != nil {
		return 0
	}
	req.Header.Set("Authorization", "Token "+apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{"component": "maintainer"}).Warnf("webshare fetch: %v", err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"component": "maintainer"}).Warnf("webshare fetch: HTTP %d", resp.StatusCode)
		return 0
	}

	var parsed webshareResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0
	}

	added := 0
	for _, item := range parsed.Results {
		if item.Port < 0 || item.Port > 65535 {
			continue
		}
		_, err := m.pl.Add(ctx, pooltypes.Proxy{
			IP:       item.ProxyAddress,
			Port:     uint16(item.Port),
			Protocol: "http",
			Source:   "webshare",
			Country:  item.CountryCode,
		})
		if err == nil {
			added++
		}
	}
	log.WithFields(log.Fields{"component": "maintainer"}).Infof("webshare top-up: %d proxies added", added)
	return added
}

// RunProbe health-checks every proxy currently in the pool and
// applies RecordSuccess/RecordFailure per result.
func (m *Maintainer) RunProbe(ctx context.Context) error {
	all, _, err := m.pl.List(ctx, pool.ListFilter{})
	if err != nil {
		return fmt.Errorf("list proxies: %w", err)
	}
	proxies := make([]pooltypes.Proxy, len(all))
	copy(proxies, all)

	start := time.Now()
	results := m.checker.CheckAll(ctx, proxies)

	alive := 0
	for _, r := range results {
		if r.Alive {
			alive++
			if _, err := m.pl.RecordSuccess(ctx, r.Key, r.LatencyMs); err != nil {
				log.WithFields(log.Fields{"component": "maintainer"}).Warnf("record_success %s: %v", r.Key, err)
			}
		} else {
			if _, err := m.pl.RecordFailure(ctx, r.Key); err != nil {
				log.WithFields(log.Fields{"component": "maintainer"}).Warnf("record_failure %s: %v", r.Key, err)
			}
		}
	}
	logProbeSummary(len(results), alive, time.Since(start))
	return nil
}

// Run drives the refresh, probe and flush loops until ctx is cancelled.
// The refresh and probe loops run their first pass immediately on
// start; the flush loop first runs after its interval.
func (m *Maintainer) Run(ctx context.Context) {
	refreshInterval := time.Duration(m.cfg.RefreshIntervalSeconds) * time.Second
	probeInterval := time.Duration(m.cfg.HealthCheckIntervalSeconds) * time.Second

	go m.loop(ctx, "refresh", refreshInterval, func(ctx context.Context) error {
		_, _, err := m.Refresh(ctx)
		return err
	})
	go m.loop(ctx, "probe", probeInterval, m.RunProbe)

	go m.flushLoop(ctx)
}

func (m *Maintainer) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := fn(ctx); err != nil {
		log.WithFields(log.Fields{"component": "maintainer", "loop": name}).Errorf("initial run: %v", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.WithFields(log.Fields{"component": "maintainer", "loop": name}).Errorf("run: %v", err)
			}
		}
	}
}

// flushLoop periodically removes dead proxies from the index so the
// pool doesn't accumulate permanently-unreachable entries.
func (m *Maintainer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.pl.FlushDead(ctx)
			if err != nil {
				log.WithFields(log.Fields{"component": "maintainer"}).Errorf("flush_dead: %v", err)
				continue
			}
			if n > 0 {
				log.WithFields(log.Fields{"component": "maintainer"}).Infof("flushed %d dead proxies", n)
			}
		}
	}
}

// Package maintainer fetches proxy lists from configured sources,
// dedupes and upserts them into the pool, and runs the periodic
// health-check pass that keeps health_score and status current.
package maintainer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/config"
)

var addrRegex = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)

// FetchedProxy is a raw ip:port pair pulled from a source, before it
// becomes a pooltypes.Proxy record.
type FetchedProxy struct {
	IP       string
	Port     uint16
	Protocol string
	Source   string
}

// SourceStats summarizes one source's fetch outcome, returned by
// FetchAll and Maintainer.Refresh. The control API's /api/pool/refresh
// handler does not include it in its response.
type SourceStats struct {
	URL          string
	ProxiesFound int
	Error        string
}

// SourceFetcher fetches and parses proxy lists.
type SourceFetcher struct {
	client *http.Client
	ua     string
}

func NewSourceFetcher(userAgent string) *SourceFetcher {
	return &SourceFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ua: userAgent,
	}
}

// FetchAll fetches every enabled source concurrently and returns the
// deduplicated union, keyed by ip:port with first-source-wins.
func (f *SourceFetcher) FetchAll(ctx context.Context, sources []config.Source) ([]FetchedProxy, map[string]SourceStats, error) {
	enabled := make([]config.Source, 0, len(sources))
	for _, s := range sources {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	if len(enabled) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	var wg sync.WaitGroup
	resultCh := make(chan []FetchedProxy, len(enabled))
	statsCh := make(chan SourceStats, len(enabled))

	for _, src := range enabled {
		wg.Add(1)
		go func(src config.Source) {
			defer wg.Done()
			start := time.Now()
			proxies, err := f.fetchOne(ctx, src)
			stat := SourceStats{URL: src.URL, ProxiesFound: len(proxies)}
			if err != nil {
				stat.Error = err.Error()
				log.WithFields(log.Fields{"component": "maintainer", "source": src.URL}).Warnf("source fetch failed: %v (took %v)", err, time.Since(start))
			} else {
				log.WithFields(log.Fields{"component": "maintainer", "source": src.URL}).Infof("fetched %d proxies (took %v)", len(proxies), time.Since(start))
			}
			resultCh <- proxies
			statsCh <- stat
		}(src)
	}

	wg.Wait()
	close(resultCh)
	close(statsCh)

	all := make([]FetchedProxy, 0)
	for proxies := range resultCh {
		all = append(all, proxies...)
	}
	stats := make(map[string]SourceStats)
	for s := range statsCh {
		stats[s.URL] = s
	}

	return dedupe(all), stats, nil
}

func (f *SourceFetcher) fetchOne(ctx context.Context, src config.Source) ([]FetchedProxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.ua != "" {
		req.Header.Set("User-Agent", f.ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, 10*1024*1024)

	switch src.Type {
	case "html":
		return parseHTMLSource(body, src)
	default:
		return parseLineSource(body, src)
	}
}

func parseLineSource(r io.Reader, src config.Source) ([]FetchedProxy, error) {
	out := make([]FetchedProxy, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if p, ok := parseAddrLine(line, src); ok {
			out = append(out, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan: %w", err)
	}
	return out, nil
}

func parseAddrLine(line string, src config.Source) (FetchedProxy, bool) {
	m := addrRegex.FindStringSubmatch(line)
	if len(m) < 3 {
		return FetchedProxy{}, false
	}
	port, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return FetchedProxy{}, false
	}
	return FetchedProxy{
		IP:       m[1],
		Port:     uint16(port),
		Protocol: "http",
		Source:   src.URL,
	}, true
}

func dedupe(proxies []FetchedProxy) []FetchedProxy {
	seen := make(map[string]struct{}, len(proxies))
	out := make([]FetchedProxy, 0, len(proxies))
	for _, p := range proxies {
		key := fmt.Sprintf("%s:%d", p.IP, p.Port)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

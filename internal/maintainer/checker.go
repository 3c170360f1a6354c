package maintainer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/pooltypes"
)

// HealthCheckURL is probed through each candidate proxy. A pass
// requires HTTP 200 and a JSON body containing an "origin" field,
// matching the echo-style check used to validate that traffic truly
// left through the proxy rather than failing silently upstream.
const HealthCheckURL = "https://httpbin.org/ip"

type probeResponse struct {
	Origin string `json:"origin"`
}

// Checker runs bounded-concurrency HTTP probes against candidate
// proxies.
type Checker struct {
	timeout     time.Duration
	concurrency int

	// probeFn is the per-proxy probe, defaulting to c.checkOne. Tests
	// substitute it to observe concurrency without a real proxy
	// listener in front of HealthCheckURL.
	probeFn func(context.Context, pooltypes.Proxy) ProbeResult
}

func NewChecker(timeout time.Duration, concurrency int) *Checker {
	if concurrency < 1 {
		concurrency = 1
	}
	c := &Checker{timeout: timeout, concurrency: concurrency}
	c.probeFn = c.checkOne
	return c
}

// ProbeResult is one proxy's outcome.
type ProbeResult struct {
	Key       string
	Alive     bool
	LatencyMs float64
	Err       error
}

// CheckAll probes every given proxy, bounded by a semaphore sized to
// c.concurrency, and returns one result per proxy (order unspecified).
func (c *Checker) CheckAll(ctx context.Context, proxies []pooltypes.Proxy) []ProbeResult {
	results := make([]ProbeResult, len(proxies))
	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup

	for i, p := range proxies {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, p pooltypes.Proxy) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = c.probeFn(ctx, p)
		}(i, p)
	}
	wg.Wait()
	return results
}

func (c *Checker) checkOne(ctx context.Context, p pooltypes.Proxy) ProbeResult {
	start := time.Now()
	key := p.Key()

	proxyURL, err := url.Parse("http://" + key)
	if err != nil {
		return ProbeResult{Key: key, Err: err}
	}

	transport := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: (&net.Dialer{
			Timeout: c.timeout,
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: c.timeout,
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, HealthCheckURL, nil)
	if err != nil {
		return ProbeResult{Key: key, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{Key: key, Err: errHTTPStatus(resp.StatusCode)}
	}

	var body probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || net.ParseIP(firstAddr(body.Origin)) == nil {
		return ProbeResult{Key: key, Err: errBadBody}
	}

	return ProbeResult{Key: key, Alive: true, LatencyMs: float64(time.Since(start).Milliseconds())}
}

type httpStatusError int

func (e httpStatusError) Error() string {
	return "unexpected status: " + http.StatusText(int(e))
}

func errHTTPStatus(code int) error { return httpStatusError(code) }

var errBadBody = simpleError("probe response origin is not a valid IP")

// firstAddr trims httpbin's "origin" field down to its first address:
// behind a chain of proxies it can come back as "1.2.3.4, 5.6.7.8".
func firstAddr(origin string) string {
	if i := strings.IndexByte(origin, ','); i >= 0 {
		origin = origin[:i]
	}
	return strings.TrimSpace(origin)
}

type simpleError string

func (e simpleError) Error() string { return string(e) }

func logProbeSummary(total, alive int, dur time.Duration) {
	log.WithFields(log.Fields{"component": "maintainer"}).Infof(
		"health check complete: %d/%d alive in %v", alive, total, dur)
}

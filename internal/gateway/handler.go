package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/metrics"
	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/rotation"
)

// maxRetries caps proxy swaps per request: the first attempt plus up
// to maxRetries retries, so a request tries at most maxRetries+1
// distinct proxies before giving up.
const maxRetries = 3

// hopByHopHeaders are stripped before forwarding a request through
// the upstream proxy, matching the set excluded in the original
// handler plus the standard hop-by-hop list.
var hopByHopHeaders = map[string]bool{
	"host":                true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"x-session-id":        true,
	"connection":          true,
	"keep-alive":          true,
	"transfer-encoding":   true,
	"te":                  true,
	"trailer":             true,
	"upgrade":             true,
}

// Handler proxies client HTTP requests through a rotating upstream
// pool, retrying on block or failure and logging every attempt.
type Handler struct {
	engine  *rotation.Engine
	pl      *pool.Pool
	metrics *metrics.Collector
	logSink func(context.Context, pooltypes.RequestRecord)

	dialTimeout time.Duration
}

func NewHandler(engine *rotation.Engine, pl *pool.Pool, m *metrics.Collector, dialTimeout time.Duration, logSink func(context.Context, pooltypes.RequestRecord)) *Handler {
	return &Handler{engine: engine, pl: pl, metrics: m, dialTimeout: dialTimeout, logSink: logSink}
}

// ProxyHTTP handles a regular (non-CONNECT) forward-proxy request,
// retrying through fresh upstream proxies on block or failure. Once
// every attempt has failed it returns an error and no response.
func (h *Handler) ProxyHTTP(ctx context.Context, req *http.Request) (*http.Response, error) {
	targetDomain := req.URL.Hostname()
	sessionID := req.Header.Get("X-Session-ID")
	requestID := uuid.New().String()
	exclude := make(map[string]bool)

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			h.metrics.RecordGatewayRetry()
		}

		proxy, strategyUsed, err := h.engine.Select(ctx, rotation.SelectContext{
			SessionID:    sessionID,
			TargetDomain: targetDomain,
		}, exclude)
		if err != nil {
			h.metrics.RecordGatewayRequest("no_healthy_proxies")
			return nil, err
		}
		h.metrics.RecordRotationSelection(string(strategyUsed))

		start := time.Now()
		resp, body, blockReason, reqErr := h.attemptThrough(ctx, req, proxy)
		latencyMs := float64(time.Since(start).Milliseconds())

		status := 0
		var respHeaders map[string]string
		if resp != nil {
			status = resp.StatusCode
			respHeaders = flattenHeaders(resp.Header, 20)
		}

		errMsg := ""
		if reqErr != nil {
			errMsg = reqErr.Error()
		}
		blocked := blockReason != "" || reqErr != nil

		h.log(ctx, pooltypes.RequestRecord{
			RequestID:       requestID,
			TS:              float64(pooltypes.Now().Unix()),
			Method:          req.Method,
			URL:             req.URL.String(),
			TargetDomain:    targetDomain,
			ProxyIP:         proxy.Key(),
			Status:          status,
			LatencyMs:       latencyMs,
			Blocked:         blocked,
			Attempt:         attempt,
			Strategy:        string(strategyUsed),
			Error:           errMsg,
			ResponseHeaders: respHeaders,
		})

		if !blocked {
			h.pl.RecordSuccess(ctx, proxy.Key(), latencyMs)
			h.metrics.RecordGatewayRequest("success")
			h.metrics.RecordGatewayAttempts(attempt)
			h.metrics.RecordGatewayDuration(time.Since(start).Seconds())
			return rebuildResponse(resp, body), nil
		}

		reason := blockReason
		if reason == "" {
			reason = "transport_error"
		}
		h.metrics.RecordGatewayBlock(reason)
		log.WithFields(log.Fields{"component": "gateway"}).Infof(
			"block detected: proxy=%s domain=%s status=%d attempt=%d reason=%s",
			proxy.Key(), targetDomain, status, attempt, reason)

		h.pl.RecordFailure(ctx, proxy.Key())
		if blockReason != "" {
			h.pl.MarkDead(ctx, proxy.Key())
		}
		exclude[proxy.Key()] = true
		if sessionID != "" {
			h.engine.DropSession(ctx, sessionID)
		}
		h.engine.InvalidatePin(ctx, strategyUsed)

		lastErr = reqErr
		if attempt <= maxRetries {
			continue
		}

		h.metrics.RecordGatewayRequest("retries_exhausted")
		if lastErr == nil {
			lastErr = fmt.Errorf("gateway: retries exhausted, last attempt blocked (%s)", reason)
		}
		return nil, lastErr
	}

	return nil, lastErr
}

// attemptThrough performs a single request attempt through the given
// proxy and evaluates whether the response looks like a block.
func (h *Handler) attemptThrough(ctx context.Context, req *http.Request, proxy pooltypes.Proxy) (*http.Response, []byte, string, error) {
	proxyURL, err := url.Parse("http://" + proxy.Key())
	if err != nil {
		return nil, nil, "", err
	}

	client := h.clientFor(proxyURL)

	outReq := req.Clone(ctx)
	outReq.RequestURI = ""
	stripHopByHop(outReq.Header)

	resp, err := client.Do(outReq)
	if err != nil {
		return nil, nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return resp, nil, "", err
	}

	redirectURL := resp.Header.Get("Location")
	blocked, reason := isBlocked(resp.StatusCode, body, redirectURL)
	if blocked {
		return resp, body, reason, nil
	}
	return resp, body, "", nil
}

func (h *Handler) clientFor(proxyURL *url.URL) *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
			DialContext: (&net.Dialer{
				Timeout: h.dialTimeout,
			}).DialContext,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: false},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (h *Handler) log(ctx context.Context, r pooltypes.RequestRecord) {
	if h.logSink != nil {
		h.logSink(ctx, r)
	}
}

func stripHopByHop(hdr http.Header) {
	for k := range hdr {
		if hopByHopHeaders[strings.ToLower(k)] {
			hdr.Del(k)
		}
	}
}

func flattenHeaders(hdr http.Header, limit int) map[string]string {
	out := make(map[string]string, limit)
	i := 0
	for k, v := range hdr {
		if i >= limit {
			break
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
		i++
	}
	return out
}

func rebuildResponse(resp *http.Response, body []byte) *http.Response {
	if resp == nil {
		return nil
	}
	resp.Body = io.NopCloser(strings.NewReader(string(body)))
	resp.ContentLength = int64(len(body))
	return resp
}

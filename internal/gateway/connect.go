package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/rotation"
)

// HandleConnect tunnels an HTTPS CONNECT request through a rotating
// upstream proxy: dial the proxy, issue CONNECT to it, and on success
// splice the client connection to the upstream tunnel.
func (h *Handler) HandleConnect(ctx context.Context, clientConn net.Conn, host string, port int) {
	exclude := make(map[string]bool)
	target := fmt.Sprintf("%s:%d", host, port)
	requestID := uuid.New().String()

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if attempt > 1 {
			h.metrics.RecordGatewayRetry()
		}

		proxy, strategyUsed, err := h.engine.Select(ctx, rotation.SelectContext{TargetDomain: host}, exclude)
		if err != nil {
			h.metrics.RecordGatewayRequest("no_healthy_proxies")
			writeStatus(clientConn, http.StatusServiceUnavailable)
			return
		}
		h.metrics.RecordRotationSelection(string(strategyUsed))

		upstream, blocked, err := h.connectThroughProxy(ctx, proxy, target)
		if err != nil || blocked {
			h.pl.RecordFailure(ctx, proxy.Key())
			if blocked {
				h.pl.MarkDead(ctx, proxy.Key())
			}
			exclude[proxy.Key()] = true
			h.engine.InvalidatePin(ctx, strategyUsed)
			if attempt <= maxRetries {
				continue
			}
			h.metrics.RecordGatewayRequest("retries_exhausted")
			if blocked {
				writeStatus(clientConn, http.StatusBadGateway)
			} else if isTimeoutErr(err) {
				writeStatus(clientConn, http.StatusGatewayTimeout)
			} else {
				writeStatus(clientConn, http.StatusBadGateway)
			}
			return
		}

		h.log(ctx, pooltypes.RequestRecord{
			RequestID:    requestID,
			TS:           float64(pooltypes.Now().Unix()),
			Method:       http.MethodConnect,
			URL:          target,
			TargetDomain: host,
			ProxyIP:      proxy.Key(),
			Status:       http.StatusOK,
			Attempt:      attempt,
			Strategy:     string(strategyUsed),
		})

		h.pl.RecordSuccess(ctx, proxy.Key(), 0)
		h.metrics.RecordGatewayRequest("success")
		h.metrics.RecordGatewayAttempts(attempt)

		if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
			upstream.Close()
			return
		}
		relay(clientConn, upstream)
		return
	}
}

// connectThroughProxy dials the candidate proxy and issues CONNECT.
// The returned bool distinguishes a block (proxy reachable, CONNECT
// rejected or non-200) from a bare transport error (dial/write/read
// failure) so the caller can apply mark-dead only to the former.
func (h *Handler) connectThroughProxy(ctx context.Context, proxy pooltypes.Proxy, target string) (net.Conn, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.dialTimeout)
	defer cancel()

	var d net.Dialer
	upstream, err := d.DialContext(dialCtx, "tcp", proxy.Key())
	if err != nil {
		return nil, false, err
	}

	upstream.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := fmt.Fprintf(upstream, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		upstream.Close()
		return nil, false, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), &http.Request{Method: http.MethodConnect})
	if err != nil {
		upstream.Close()
		return nil, false, err
	}
	if resp.StatusCode != http.StatusOK {
		upstream.Close()
		return nil, true, fmt.Errorf("connect: upstream returned %d", resp.StatusCode)
	}
	upstream.SetDeadline(time.Time{})
	return upstream, false, nil
}

func relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}

var statusLines = map[int]string{
	http.StatusBadGateway:         "HTTP/1.1 502 Bad Gateway\r\n\r\n",
	http.StatusServiceUnavailable: "HTTP/1.1 503 Service Unavailable\r\n\r\n",
	http.StatusGatewayTimeout:     "HTTP/1.1 504 Gateway Timeout\r\n\r\n",
}

func writeStatus(conn net.Conn, status int) {
	line, ok := statusLines[status]
	if !ok {
		line = statusLines[http.StatusBadGateway]
	}
	if _, err := conn.Write([]byte(line)); err != nil {
		log.WithFields(log.Fields{"component": "gateway"}).Debugf("write status %d: %v", status, err)
	}
}

// isTimeoutErr reports whether err is a network timeout, used to pick
// 504 over 502 when retries are exhausted.
func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

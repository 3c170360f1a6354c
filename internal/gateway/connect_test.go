package gateway

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/rotation"
	"rotaproxy/internal/store"
)

// fakeUpstreamProxy listens on a TCP port and behaves like an upstream
// proxy that accepts a CONNECT and then echoes everything back,
// simulating a tunnel to the target.
func fakeUpstreamProxy(t *testing.T, acceptConnect bool) (pooltypes.Proxy, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}

		if !acceptConnect {
			conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
			return
		}

		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				conn.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	p := pooltypes.Proxy{IP: host, Port: uint16(port), Protocol: "http", Source: "test"}
	return p, func() { ln.Close() }
}

func newTestHandlerForConnect(t *testing.T) (*Handler, *pool.Pool) {
	t.Helper()
	st := store.NewMemoryStore()
	pl := pool.New(st)
	engine := rotation.NewEngine(st, pl)
	h := NewHandler(engine, pl, sharedMetrics(), 2*time.Second, func(ctx context.Context, r pooltypes.RequestRecord) {})
	return h, pl
}

func TestHandleConnectEstablishesTunnelAndRelays(t *testing.T) {
	proxy, cleanup := fakeUpstreamProxy(t, true)
	defer cleanup()

	h, pl := newTestHandlerForConnect(t)
	added, err := pl.Add(context.Background(), proxy)
	if err != nil {
		t.Fatalf("add proxy: %v", err)
	}
	if _, err := pl.RecordSuccess(context.Background(), added.Key(), 1); err != nil {
		t.Fatalf("seed success: %v", err)
	}

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.HandleConnect(context.Background(), serverSide, "example.com", 443)
		close(done)
	}()

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("expected 200 Connection Established, got %q", line)
	}
	// consume the blank line terminating the CONNECT response headers
	reader.ReadString('\n')

	clientSide.Write([]byte("ping"))
	buf := make([]byte, 4)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := reader.Read(buf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("expected echoed ping, got %q", string(buf[:n]))
	}

	clientSide.Close()
	<-done
}

func TestHandleConnectNoHealthyProxiesReturns503(t *testing.T) {
	h, _ := newTestHandlerForConnect(t)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.HandleConnect(context.Background(), serverSide, "example.com", 443)
		close(done)
	}()

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if !strings.Contains(line, "503") {
		t.Fatalf("expected 503 Service Unavailable with no healthy proxies, got %q", line)
	}

	clientSide.Close()
	<-done
}

func TestHandleConnectTransportErrorDoesNotMarkDeadImmediately(t *testing.T) {
	// Proxy addresses nothing listens on cause bare dial failures,
	// which must count toward record_failure without an immediate
	// mark_dead — each should still be healthy after one failed
	// attempt. Four distinct unreachable proxies keep every retry
	// attempt inside the retries-exhausted path (502) rather than
	// falling through to no-healthy-proxies (503) once one gets
	// excluded.
	h, pl := newTestHandlerForConnect(t)
	var addedKeys []string
	for i := 0; i < 4; i++ {
		dead, cleanup := fakeUpstreamProxy(t, true)
		cleanup() // close the listener so dialing it fails
		added, err := pl.Add(context.Background(), dead)
		if err != nil {
			t.Fatalf("add proxy: %v", err)
		}
		if _, err := pl.RecordSuccess(context.Background(), added.Key(), 1); err != nil {
			t.Fatalf("seed success: %v", err)
		}
		addedKeys = append(addedKeys, added.Key())
	}

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.HandleConnect(context.Background(), serverSide, "example.com", 443)
		close(done)
	}()

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if !strings.Contains(line, "502") {
		t.Fatalf("expected 502 after retries exhausted against unreachable proxies, got %q", line)
	}
	clientSide.Close()
	<-done

	for _, key := range addedKeys {
		proxy, err := pl.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if proxy.Status == pooltypes.StatusDead {
			t.Fatalf("a bare transport error must not mark_dead outright, only count toward consecutive_failures")
		}
		if proxy.ConsecutiveFailures == 0 {
			t.Fatalf("expected consecutive_failures to be incremented by the transport error")
		}
	}
}

func TestHandleConnectFailsOverToNextProxy(t *testing.T) {
	badProxy, cleanupBad := fakeUpstreamProxy(t, false)
	defer cleanupBad()
	goodProxy, cleanupGood := fakeUpstreamProxy(t, true)
	defer cleanupGood()

	h, pl := newTestHandlerForConnect(t)
	for _, p := range []pooltypes.Proxy{badProxy, goodProxy} {
		added, err := pl.Add(context.Background(), p)
		if err != nil {
			t.Fatalf("add proxy: %v", err)
		}
		if _, err := pl.RecordSuccess(context.Background(), added.Key(), 1); err != nil {
			t.Fatalf("seed success: %v", err)
		}
	}

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.HandleConnect(context.Background(), serverSide, "example.com", 443)
		close(done)
	}()

	reader := bufio.NewReader(clientSide)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read connect response: %v", err)
	}
	if !strings.Contains(line, "200") {
		t.Fatalf("expected eventual 200 after failover, got %q", line)
	}

	clientSide.Close()
	<-done
}

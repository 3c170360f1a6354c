package gateway

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"rotaproxy/internal/pool"
	"rotaproxy/internal/rotation"
	"rotaproxy/internal/store"
)

func newTestServerForConn(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	pl := pool.New(st)
	engine := rotation.NewEngine(st, pl)
	return NewServer(":0", 10, time.Second, 2*time.Second, engine, pl, st, sharedMetrics())
}

func TestHandleConnNoHealthyProxiesReturns503(t *testing.T) {
	s := newTestServerForConn(t)

	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})
	go func() {
		s.handleConn(context.Background(), serverSide)
		close(done)
	}()

	clientSide.Write([]byte("GET http://example.com/page HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	line, err := bufio.NewReader(clientSide).ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !strings.Contains(line, "503") {
		t.Fatalf("expected 503 with no healthy proxies, got %q", line)
	}
	clientSide.Close()
	<-done
}

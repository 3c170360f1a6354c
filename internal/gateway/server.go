package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"rotaproxy/internal/metrics"
	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/rotation"
	"rotaproxy/internal/store"
)

// Server is the TCP forward-proxy listener: it accepts connections up
// to maxConnections concurrently, parses each as either an HTTP
// CONNECT tunnel request or a regular absolute-form proxy request, and
// dispatches to Handler.
type Server struct {
	addr           string
	maxConnections int
	drainTimeout   time.Duration
	ringSize       int64

	handler *Handler
	st      store.Store
	metrics *metrics.Collector

	sem    chan struct{}
	active sync.WaitGroup
	activeCount int64
	activeMu    sync.Mutex

	listener net.Listener
}

func NewServer(addr string, maxConnections int, drainTimeout time.Duration, dialTimeout time.Duration, engine *rotation.Engine, pl *pool.Pool, st store.Store, m *metrics.Collector) *Server {
	s := &Server{
		addr:           addr,
		maxConnections: maxConnections,
		drainTimeout:   drainTimeout,
		ringSize:       500,
		st:             st,
		metrics:        m,
	}
	s.handler = NewHandler(engine, pl, m, dialTimeout, s.logRequest)
	s.sem = make(chan struct{}, maxConnections)
	return s
}

func (s *Server) logRequest(ctx context.Context, r pooltypes.RequestRecord) {
	if err := s.st.PushRequest(ctx, r, s.ringSize); err != nil {
		log.WithFields(log.Fields{"component": "gateway"}).Warnf("push request log: %v", err)
	}
	if err := s.st.PublishLive(ctx, r); err != nil {
		log.WithFields(log.Fields{"component": "gateway"}).Debugf("publish live: %v", err)
	}
}

// Run listens and serves until ctx is cancelled, then drains
// in-flight connections for up to drainTimeout before returning.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln

	log.WithFields(log.Fields{"component": "gateway"}).Infof(
		"gateway listening on %s (max_connections=%d)", s.addr, s.maxConnections)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.drain()
				return nil
			default:
				log.WithFields(log.Fields{"component": "gateway"}).Warnf("accept: %v", err)
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
			s.active.Add(1)
			s.incActive(1)
			go func() {
				defer func() {
					<-s.sem
					s.active.Done()
					s.incActive(-1)
				}()
				s.handleConn(ctx, conn)
			}()
		default:
			// At capacity: shed the connection with 503 rather than
			// queueing it indefinitely.
			conn.Write([]byte("HTTP/1.1 503 Service Unavailable\r\n\r\n"))
			conn.Close()
		}
	}
}

func (s *Server) incActive(delta int64) {
	s.activeMu.Lock()
	s.activeCount += delta
	s.metrics.SetActiveConnections(int(s.activeCount))
	s.activeMu.Unlock()
}

func (s *Server) drain() {
	log.WithFields(log.Fields{"component": "gateway"}).Infof("draining connections (timeout=%v)", s.drainTimeout)
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.WithFields(log.Fields{"component": "gateway"}).Infof("drain complete")
	case <-time.After(s.drainTimeout):
		log.WithFields(log.Fields{"component": "gateway"}).Warnf("drain timed out, forcing shutdown")
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	reader := bufio.NewReader(conn)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Method == http.MethodConnect {
		host, port := splitHostPort(req.URL.Opaque, req.Host)
		s.handler.HandleConnect(ctx, conn, host, port)
		return
	}

	if req.URL.Path == "/health" {
		body := `{"status":"ok","service":"gateway"}`
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: " +
			strconv.Itoa(len(body)) + "\r\n\r\n" + body))
		return
	}

	req = req.WithContext(ctx)
	resp, err := s.handler.ProxyHTTP(ctx, req)
	if err != nil || resp == nil {
		switch {
		case errors.Is(err, rotation.ErrNoHealthyProxies):
			writeStatus(conn, http.StatusServiceUnavailable)
		case isTimeoutErr(err):
			writeStatus(conn, http.StatusGatewayTimeout)
		default:
			writeStatus(conn, http.StatusBadGateway)
		}
		return
	}
	defer resp.Body.Close()
	resp.Write(conn)
}

func splitHostPort(opaque, fallback string) (string, int) {
	target := opaque
	if target == "" {
		target = fallback
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 443
	}
	return host, port
}

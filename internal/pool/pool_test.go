package pool

import (
	"context"
	"testing"

	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/store"
)

func newTestPool() *Pool {
	return New(store.NewMemoryStore())
}

func TestAddThenGet(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()

	added, err := p.Add(ctx, pooltypes.Proxy{IP: "1.2.3.4", Port: 8080, Protocol: "http", Source: "test"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.Status != pooltypes.StatusHealthy {
		t.Fatalf("new proxy should default to healthy, got %s", added.Status)
	}

	got, err := p.Get(ctx, "1.2.3.4:8080")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IP != "1.2.3.4" || got.Port != 8080 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestRecordSuccessUpdatesHealthScore(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()
	p.Add(ctx, pooltypes.Proxy{IP: "1.1.1.1", Port: 80})

	key := "1.1.1.1:80"
	proxy, err := p.RecordSuccess(ctx, key, 120.5)
	if err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}
	if proxy.HealthScore != 100 {
		t.Fatalf("expected health_score 100 after one success, got %f", proxy.HealthScore)
	}
	if proxy.TotalChecks != 1 || proxy.SuccessCount != 1 {
		t.Fatalf("unexpected counters: %+v", proxy)
	}

	proxy, err = p.RecordFailure(ctx, key)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if proxy.HealthScore != 50 {
		t.Fatalf("expected health_score 50 after 1 success/1 fail, got %f", proxy.HealthScore)
	}
	if proxy.ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutive_failures 1, got %d", proxy.ConsecutiveFailures)
	}
}

func TestThreeConsecutiveFailuresMarkDead(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()
	p.Add(ctx, pooltypes.Proxy{IP: "2.2.2.2", Port: 80})
	key := "2.2.2.2:80"

	for i := 0; i < 2; i++ {
		proxy, _ := p.RecordFailure(ctx, key)
		if proxy.Status == pooltypes.StatusDead {
			t.Fatalf("should not be dead before 3 consecutive failures, at i=%d", i)
		}
	}
	proxy, err := p.RecordFailure(ctx, key)
	if err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if proxy.Status != pooltypes.StatusDead {
		t.Fatalf("expected dead after 3 consecutive failures, got %s", proxy.Status)
	}

	healthy, err := p.GetHealthy(ctx, 0)
	if err != nil {
		t.Fatalf("GetHealthy: %v", err)
	}
	for _, h := range healthy {
		if h.Key() == key {
			t.Fatalf("dead proxy must not appear in get_healthy")
		}
	}
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()
	p.Add(ctx, pooltypes.Proxy{IP: "3.3.3.3", Port: 80})
	key := "3.3.3.3:80"

	p.RecordFailure(ctx, key)
	p.RecordFailure(ctx, key)
	proxy, _ := p.RecordSuccess(ctx, key, 50)
	if proxy.ConsecutiveFailures != 0 {
		t.Fatalf("success must reset consecutive_failures, got %d", proxy.ConsecutiveFailures)
	}
	if proxy.Status != pooltypes.StatusHealthy {
		t.Fatalf("success must revive status to healthy, got %s", proxy.Status)
	}
}

func TestAddPreservesFirstSeenSource(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()

	p.Add(ctx, pooltypes.Proxy{IP: "8.8.8.8", Port: 80, Source: "list-a"})
	updated, err := p.Add(ctx, pooltypes.Proxy{IP: "8.8.8.8", Port: 80, Source: "list-b"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if updated.Source != "list-a" {
		t.Fatalf("expected first-seen source to survive re-add, got %q", updated.Source)
	}
}

func TestFlushDeadRemovesOnlyDead(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()
	p.Add(ctx, pooltypes.Proxy{IP: "4.4.4.4", Port: 80})
	p.Add(ctx, pooltypes.Proxy{IP: "5.5.5.5", Port: 80})

	for i := 0; i < 3; i++ {
		p.RecordFailure(ctx, "4.4.4.4:80")
	}

	n, err := p.FlushDead(ctx)
	if err != nil {
		t.Fatalf("FlushDead: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flushed, got %d", n)
	}

	if _, err := p.Get(ctx, "4.4.4.4:80"); err != store.ErrNotFound {
		t.Fatalf("expected dead proxy to be gone, err=%v", err)
	}
	if _, err := p.Get(ctx, "5.5.5.5:80"); err != nil {
		t.Fatalf("healthy proxy should survive flush: %v", err)
	}
}

func TestListFilterByStatus(t *testing.T) {
	ctx := context.Background()
	p := newTestPool()
	p.Add(ctx, pooltypes.Proxy{IP: "6.6.6.6", Port: 80})
	p.Add(ctx, pooltypes.Proxy{IP: "7.7.7.7", Port: 80})
	for i := 0; i < 3; i++ {
		p.RecordFailure(ctx, "6.6.6.6:80")
	}

	dead, total, err := p.List(ctx, ListFilter{Status: pooltypes.StatusDead})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(dead) != 1 {
		t.Fatalf("expected exactly 1 dead proxy, got total=%d len=%d", total, len(dead))
	}
}

package rotation

import (
	"context"
	"testing"

	"rotaproxy/internal/pool"
	"rotaproxy/internal/pooltypes"
	"rotaproxy/internal/store"
)

func seedPool(t *testing.T, n int) (*pool.Pool, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	pl := pool.New(st)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		p, err := pl.Add(ctx, pooltypes.Proxy{IP: "10.0.0.1", Port: uint16(9000 + i), Protocol: "http"})
		if err != nil {
			t.Fatalf("seed add: %v", err)
		}
		if _, err := pl.RecordSuccess(ctx, p.Key(), 10); err != nil {
			t.Fatalf("seed success: %v", err)
		}
	}
	return pl, st
}

func TestPerSessionSticky(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 5)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyPerSession, SessionTTLSeconds: 300})

	first, _, err := e.Select(ctx, SelectContext{SessionID: "abc"}, map[string]bool{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _, err := e.Select(ctx, SelectContext{SessionID: "abc"}, map[string]bool{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if again.Key() != first.Key() {
			t.Fatalf("per-session must stick to the same proxy, got %s then %s", first.Key(), again.Key())
		}
	}
}

func TestPerSessionDropForcesReassignment(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 5)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyPerSession, SessionTTLSeconds: 300})

	first, _, _ := e.Select(ctx, SelectContext{SessionID: "sess1"}, map[string]bool{})
	if err := e.DropSession(ctx, "sess1"); err != nil {
		t.Fatalf("DropSession: %v", err)
	}
	// Excluding the first proxy's key forces a different pick once the
	// session pin is gone.
	exclude := map[string]bool{first.Key(): true}
	second, _, err := e.Select(ctx, SelectContext{SessionID: "sess1"}, exclude)
	if err != nil {
		t.Fatalf("Select after drop: %v", err)
	}
	if second.Key() == first.Key() {
		t.Fatalf("expected a different proxy after session drop + exclude, got same %s", first.Key())
	}
}

func TestRoundRobinCoversEveryProxyExactlyOnce(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 4)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyRoundRobin})

	seen := make(map[string]int)
	for i := 0; i < 8; i++ {
		p, _, err := e.Select(ctx, SelectContext{}, map[string]bool{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[p.Key()]++
	}
	if len(seen) != 4 {
		t.Fatalf("expected all 4 proxies visited, got %d distinct", len(seen))
	}
	for k, count := range seen {
		if count != 2 {
			t.Fatalf("expected each proxy hit exactly twice over 2 cycles, %s hit %d times", k, count)
		}
	}
}

func TestRoundRobinVisitsInAscendingKeyOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pl := pool.New(st)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyRoundRobin})

	// Add out of order and give the earliest-added proxy the worst
	// health score, so a health-ranked list would visit them in a
	// different order than the ip:port-ascending order the spec
	// requires for round-robin's reproducibility guarantee.
	for _, ip := range []string{"10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		p, err := pl.Add(ctx, pooltypes.Proxy{IP: ip, Port: 80, Protocol: "http"})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if _, err := pl.RecordSuccess(ctx, p.Key(), 10); err != nil {
			t.Fatalf("RecordSuccess: %v", err)
		}
	}
	if _, err := pl.RecordFailure(ctx, "10.0.0.3:80"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	want := []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}
	for i := 0; i < len(want); i++ {
		p, _, err := e.Select(ctx, SelectContext{}, map[string]bool{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if p.Key() != want[i] {
			t.Fatalf("expected ip:port-ascending order, at step %d got %s want %s", i, p.Key(), want[i])
		}
	}
}

func TestPerRequestVisitsAllProxiesWithoutState(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 4)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyPerRequest})

	seen := make(map[string]bool)
	for i := 0; i < 200 && len(seen) < 4; i++ {
		p, _, err := e.Select(ctx, SelectContext{}, map[string]bool{})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[p.Key()] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected uniform-random selection to eventually cover all 4 proxies, saw %d", len(seen))
	}
}

func TestOnBlockPinsBestScoreUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 3)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyOnBlock})

	first, _, err := e.Select(ctx, SelectContext{}, map[string]bool{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	second, _, err := e.Select(ctx, SelectContext{}, map[string]bool{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if first.Key() != second.Key() {
		t.Fatalf("on-block must keep returning the same pinned proxy, got %s then %s", first.Key(), second.Key())
	}

	if err := e.InvalidatePin(ctx, pooltypes.StrategyOnBlock); err != nil {
		t.Fatalf("InvalidatePin: %v", err)
	}
	exclude := map[string]bool{first.Key(): true}
	third, _, err := e.Select(ctx, SelectContext{}, exclude)
	if err != nil {
		t.Fatalf("Select after invalidate: %v", err)
	}
	if third.Key() == first.Key() {
		t.Fatalf("expected a new pin after invalidation + exclude")
	}
}

func TestDomainOverrideSwitchesStrategy(t *testing.T) {
	ctx := context.Background()
	pl, st := seedPool(t, 4)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyPerRequest})
	st.SetDomainOverride(ctx, pooltypes.DomainOverride{Domain: "example.com", Strategy: pooltypes.StrategyRoundRobin})

	_, usedStrategy, err := e.Select(ctx, SelectContext{TargetDomain: "example.com"}, map[string]bool{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if usedStrategy != pooltypes.StrategyRoundRobin {
		t.Fatalf("expected domain override to select round-robin, got %s", usedStrategy)
	}
}

func TestNoHealthyProxiesReturnsErr(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pl := pool.New(st)
	e := NewEngine(st, pl)
	st.SetRotationConfig(ctx, pooltypes.RotationConfig{Strategy: pooltypes.StrategyPerRequest})

	if _, _, err := e.Select(ctx, SelectContext{}, map[string]bool{}); err != ErrNoHealthyProxies {
		t.Fatalf("expected ErrNoHealthyProxies, got %v", err)
	}
}

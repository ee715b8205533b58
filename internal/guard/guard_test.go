package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mosaic/gateway/internal/session"
	"mosaic/gateway/internal/tenant"
)

func setupGuard(t *testing.T) (*Guard, *session.RedisStore) {
	s := miniredis.RunT(t)
	store, err := session.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, "/login", "/superadmin/login"), store
}

func TestRequire(t *testing.T) {
	g, _ := setupGuard(t)

	ok := tenant.Context{TenantID: "acme", Credential: "tok", Surface: tenant.SurfaceOperator}
	if res := g.Require(ok); res != nil {
		t.Errorf("valid context should pass, got %+v", res)
	}

	missing := tenant.Context{Surface: tenant.SurfaceOperator}
	res := g.Require(missing)
	if res == nil || !res.Redirect {
		t.Fatal("missing context should redirect")
	}
	if res.Location != "/login" {
		t.Errorf("operator surface should redirect to /login, got %q", res.Location)
	}

	adminMissing := tenant.Context{Surface: tenant.SurfaceAdmin}
	res = g.Require(adminMissing)
	if res == nil || res.Location != "/superadmin/login" {
		t.Errorf("admin surface should redirect to /superadmin/login, got %+v", res)
	}
}

func TestAuthFailureRedirectsOnce(t *testing.T) {
	g, store := setupGuard(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-1", tenant.Context{TenantID: "acme", Credential: "tok"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	first := g.AuthFailure(ctx, "hash-1", tenant.SurfaceOperator)
	if !first.Redirect {
		t.Fatal("first failure should redirect")
	}
	if first.Notice == "" || first.Delay <= 0 {
		t.Error("redirect should carry a perceivable notice and delay")
	}

	second := g.AuthFailure(ctx, "hash-1", tenant.SurfaceOperator)
	if second.Redirect {
		t.Error("second failure in the same episode must not redirect again")
	}

	// The session itself must be gone.
	if _, err := store.Lookup(ctx, "hash-1"); err == nil {
		t.Error("session should have been revoked")
	}
}

func TestConcurrentAuthFailuresSingleRedirect(t *testing.T) {
	g, store := setupGuard(t)
	ctx := context.Background()

	if err := store.Save(ctx, "hash-2", tenant.Context{TenantID: "acme", Credential: "tok"}, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.AuthFailure(ctx, "hash-2", tenant.SurfaceOperator)
		}(i)
	}
	wg.Wait()

	redirects := 0
	for _, res := range results {
		if res.Redirect {
			redirects++
		}
	}
	if redirects != 1 {
		t.Errorf("redirects = %d, want exactly 1", redirects)
	}
}

func TestAuthFailureSharedAcrossProcesses(t *testing.T) {
	// Two guards sharing one session store model two gateway replicas:
	// the episode marker in Redis keeps the second replica from
	// redirecting again.
	s := miniredis.RunT(t)
	store, err := session.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	defer store.Close()

	g1 := New(store, "/login", "/superadmin/login")
	g2 := New(store, "/login", "/superadmin/login")
	ctx := context.Background()

	if !g1.AuthFailure(ctx, "hash-3", tenant.SurfaceOperator).Redirect {
		t.Fatal("first replica should redirect")
	}
	if g2.AuthFailure(ctx, "hash-3", tenant.SurfaceOperator).Redirect {
		t.Error("second replica should observe the handled episode")
	}
}

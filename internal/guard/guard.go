// Package guard is the cross-cutting precondition check for tenant
// identity. The loader and the submission pipeline both consult it:
// missing context aborts an operation before any side effect, and a
// credential rejection from upstream tears the session down exactly
// once, however many in-flight requests observe the failure.
package guard

import (
	"context"
	"sync"
	"time"

	"mosaic/gateway/internal/tenant"
)

// SessionStore is the slice of the session store the guard needs.
type SessionStore interface {
	Revoke(ctx context.Context, tokenHash string) error
	MarkAuthEpisode(ctx context.Context, tokenHash string) (bool, error)
}

// Result tells the editor what to do next. Redirect is true only for
// the first invocation in a failure episode; Delay gives the UI time
// to show the notice before navigating.
type Result struct {
	Redirect bool
	Location string
	Notice   string
	Delay    time.Duration
}

// Guard coordinates session teardown across call sites.
type Guard struct {
	sessions         SessionStore
	operatorLoginURL string
	adminLoginURL    string
	redirectDelay    time.Duration

	mu      sync.Mutex
	handled map[string]struct{}
}

// New creates a guard redirecting to the given login surfaces.
func New(sessions SessionStore, operatorLoginURL, adminLoginURL string) *Guard {
	return &Guard{
		sessions:         sessions,
		operatorLoginURL: operatorLoginURL,
		adminLoginURL:    adminLoginURL,
		redirectDelay:    3 * time.Second,
		handled:          make(map[string]struct{}),
	}
}

// LoginURL picks the login surface for a session: tenant operators and
// the superadmin role sign in through different URL namespaces.
func (g *Guard) LoginURL(surface tenant.Surface) string {
	if surface == tenant.SurfaceAdmin {
		return g.adminLoginURL
	}
	return g.operatorLoginURL
}

// Require verifies the tenant context before an operation runs. It
// returns nil when the operation may proceed, or a redirect result
// when the identity or credential is missing.
func (g *Guard) Require(tctx tenant.Context) *Result {
	if tctx.Valid() {
		return nil
	}
	return &Result{
		Redirect: true,
		Location: g.LoginURL(tctx.Surface),
		Notice:   "Please sign in to continue.",
	}
}

// AuthFailure handles a credential rejection from upstream: clear the
// session and report the redirect. Safe to invoke redundantly from
// several call sites; only the first call in an episode redirects, so
// simultaneous failures cannot cause a redirect storm.
func (g *Guard) AuthFailure(ctx context.Context, tokenHash string, surface tenant.Surface) Result {
	location := g.LoginURL(surface)

	g.mu.Lock()
	if _, seen := g.handled[tokenHash]; seen {
		g.mu.Unlock()
		return Result{Location: location}
	}
	g.handled[tokenHash] = struct{}{}
	g.mu.Unlock()

	first := true
	if g.sessions != nil && tokenHash != "" {
		if wasFirst, err := g.sessions.MarkAuthEpisode(ctx, tokenHash); err == nil {
			first = wasFirst
		}
		_ = g.sessions.Revoke(ctx, tokenHash)
	}
	if !first {
		return Result{Location: location}
	}
	return Result{
		Redirect: true,
		Location: location,
		Notice:   "Your session has expired. Please sign in again.",
		Delay:    g.redirectDelay,
	}
}

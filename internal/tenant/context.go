// Package tenant defines the tenant identity threaded through every
// component. The context is constructed once at login and passed
// explicitly; nothing reads credentials from ambient state.
package tenant

import "strings"

// Surface identifies which login surface a session belongs to. The
// operator surface serves tenant staff; the admin surface serves the
// superadmin role. The guard uses it to pick a redirect target.
type Surface string

const (
	SurfaceOperator Surface = "operator"
	SurfaceAdmin    Surface = "admin"
)

// Context carries the active tenant identity and the bearer credential
// used against the upstream record backend.
type Context struct {
	TenantID   string
	Credential string
	Surface    Surface
}

// Valid reports whether the context can authenticate an upstream call.
func (c Context) Valid() bool {
	return strings.TrimSpace(c.TenantID) != "" && strings.TrimSpace(c.Credential) != ""
}

// ParseSurface maps a stored surface string back to a Surface,
// defaulting to the operator surface for unknown values.
func ParseSurface(raw string) Surface {
	if Surface(raw) == SurfaceAdmin {
		return SurfaceAdmin
	}
	return SurfaceOperator
}

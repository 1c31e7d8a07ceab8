package domain

import "context"

// Well-known user ids shared with the authentication layer.
const (
	SuperuserID int64 = 1
	AnonymousID int64 = 2
)

// Roles known to the access policy and the role-limit table.
const (
	RoleSuperuser     = "superuser"
	RoleStaff         = "staff"
	RoleAuthenticated = "authenticated"
	RoleAnonymous     = "anonymous"
	RoleLocked        = "locked"
)

type callerKey struct{}

// Caller carries the identity of whoever issued a request. It is produced
// by the authentication layer and consumed by the access policy.
type Caller struct {
	UserID       int64
	Role         string
	SessionToken string
}

// IsAnonymous reports whether the caller is the shared anonymous user.
func (c Caller) IsAnonymous() bool {
	return c.UserID == AnonymousID || c.Role == RoleAnonymous
}

// IsPrivileged reports whether the caller bypasses per-object visibility.
func (c Caller) IsPrivileged() bool {
	return c.Role == RoleSuperuser || c.Role == RoleStaff
}

// AnonymousCaller returns the identity used when no credentials are presented.
func AnonymousCaller(sessionToken string) Caller {
	return Caller{UserID: AnonymousID, Role: RoleAnonymous, SessionToken: sessionToken}
}

// WithCaller stores a Caller in the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext extracts the Caller from the context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

package domain

import (
	"context"
	"fmt"
)

// Caller is an authenticated identity handed to the ledger by the boundary
// layer. The ledger trusts it as-is.
type Caller struct {
	UserID  int64
	IsAdmin bool
}

// RequireAdmin fails with ErrForbidden unless the caller is privileged.
func (c Caller) RequireAdmin() error {
	if !c.IsAdmin {
		return fmt.Errorf("%w: user %d is not an admin", ErrForbidden, c.UserID)
	}
	return nil
}

type callerKey struct{}

// WithCaller stores the caller on ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

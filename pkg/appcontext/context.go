// Package appcontext carries the session identity and request metadata
// through context.Context.
package appcontext

import "context"

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

var (
	// ContextToken is the key of the backend bearer token.
	ContextToken = contextKey("token")
	// ContextOwnerID is the key of the session owner.
	ContextOwnerID = contextKey("ownerID")
	// ContextCycleID is the key of the sync cycle a call belongs to.
	ContextCycleID = contextKey("cycleID")
)

// WithToken returns a new context with the provided bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ContextToken, token)
}

// Token retrieves the bearer token from the context.
func Token(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ContextToken).(string)
	return token, ok && token != ""
}

// WithOwnerID returns a new context bound to the given owner.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ContextOwnerID, ownerID)
}

// OwnerID retrieves the owner from the context.
func OwnerID(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ContextOwnerID).(string)
	return owner, ok && owner != ""
}

func WithCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextCycleID, id)
}

func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(ContextCycleID).(string)
	return id
}

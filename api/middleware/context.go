package middleware

import "context"

type contextKey string

const (
	ctxUserID contextKey = "user_id"
	ctxEmail  contextKey = "email"
	ctxName   contextKey = "name"
	ctxRole   contextKey = "actor_role"
)

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// UserIDFromContext returns the buyer id (token subject).
func UserIDFromContext(ctx context.Context) string { return stringFromContext(ctx, ctxUserID) }

func EmailFromContext(ctx context.Context) string { return stringFromContext(ctx, ctxEmail) }

func NameFromContext(ctx context.Context) string { return stringFromContext(ctx, ctxName) }

func RoleFromContext(ctx context.Context) string { return stringFromContext(ctx, ctxRole) }

// WithIdentity injects the authenticated buyer into the context. Handlers under
// test use it to skip token minting.
func WithIdentity(ctx context.Context, userID, email, role string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxEmail, email)
	return context.WithValue(ctx, ctxRole, role)
}

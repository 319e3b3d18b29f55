// Package appctx carries request-scoped identifiers through context.
package appctx

import "context"

type contextKey string

const (
	requestIDKey = contextKey("X-Request-Id")
	userIDKey    = contextKey("X-User-Id")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// SetUserID stores the authenticated caller, used as the reviewer id
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func GetUserID(ctx context.Context) string {
	value, _ := ctx.Value(userIDKey).(string)
	return value
}

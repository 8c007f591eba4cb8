package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// SetIdentity stores the caller's owner identity. An empty identity means anonymous.
func SetIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}
func GetIdentity(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}

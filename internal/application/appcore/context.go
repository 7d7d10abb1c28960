package appcore

import (
	"context"
	"errors"
)

// Context keys
type contextKey string

const (
	actorKey         contextKey = "actor"
	correlationIDKey contextKey = "correlationID"
)

var (
	ErrActorNotFound         = errors.New("actor not found in context")
	ErrCorrelationIDNotFound = errors.New("correlation ID not found in context")
)

// GetActor extracts the acting principal from the context
func GetActor(ctx context.Context) (string, error) {
	actor, ok := ctx.Value(actorKey).(string)
	if !ok || actor == "" {
		return "", ErrActorNotFound
	}
	return actor, nil
}

// WithActor adds the acting principal to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetCorrelationID extracts the correlation ID from the context
func GetCorrelationID(ctx context.Context) (string, error) {
	correlationID, ok := ctx.Value(correlationIDKey).(string)
	if !ok || correlationID == "" {
		return "", ErrCorrelationIDNotFound
	}
	return correlationID, nil
}

// WithCorrelationID adds the correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

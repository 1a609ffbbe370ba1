package obscontext

import "context"

type requestIDKey struct{}
type actorKey struct{}
type subscriptionIDKey struct{}

type actor struct {
	Type string
	ID   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(requestIDKey{}).(string); ok {
		return value
	}
	return ""
}

// WithActor records who is acting: an API key on ingest, the system on
// scheduler runs, a payment provider on webhooks.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{Type: actorType, ID: actorID})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	if value, ok := ctx.Value(actorKey{}).(actor); ok {
		return value.Type, value.ID
	}
	return "", ""
}

func WithSubscriptionID(ctx context.Context, subscriptionID string) context.Context {
	if subscriptionID == "" {
		return ctx
	}
	return context.WithValue(ctx, subscriptionIDKey{}, subscriptionID)
}

func SubscriptionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(subscriptionIDKey{}).(string); ok {
		return value
	}
	return ""
}

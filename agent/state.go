package agent

import "context"

type routeKeyContext struct{}

// WithRouteKey sets the key that ties agent runs to one conversation, such as
// a console session or a chat thread.
func WithRouteKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routeKeyContext{}, key)
}

// RouteKeyFromContext gets the routing key from the context.
func RouteKeyFromContext(ctx context.Context) (string, bool) {
	value := ctx.Value(routeKeyContext{})
	if value == nil {
		return "", false
	}
	key, ok := value.(string)
	return key, ok && key != ""
}

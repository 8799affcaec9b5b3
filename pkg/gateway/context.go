package gateway

import "context"

type ctxKey struct{}

// withClient tags ctx with the WebSocket client driving the request.
func withClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Client)
	return c
}

// auditActor names the caller for security audit records.
func auditActor(ctx context.Context, fallback string) string {
	if c := clientFromContext(ctx); c != nil {
		return "ws:" + c.ID
	}
	return fallback
}

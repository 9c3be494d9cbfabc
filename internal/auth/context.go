package auth

import "context"

type ctxKey int

const (
	principalKey ctxKey = iota
	bearerKey
	clientKey
)

// Client identifies the caller's network origin for policy evaluation.
type Client struct {
	IP        string
	UserAgent string
}

// ContextWithPrincipal attaches the identity resolved by ValidateToken.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the identity attached by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// ContextWithToken stores the raw bearer token. Empty tokens are ignored.
func ContextWithToken(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey, raw)
}

// TokenFromContext returns the bearer token attached by ContextWithToken.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	raw, ok := ctx.Value(bearerKey).(string)
	return raw, ok && raw != ""
}

// ContextWithClient records the caller's address and user agent.
func ContextWithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey, c)
}

// ClientFromContext returns the caller recorded by ContextWithClient, or the
// zero Client.
func ClientFromContext(ctx context.Context) Client {
	if ctx == nil {
		return Client{}
	}
	c, _ := ctx.Value(clientKey).(Client)
	return c
}

package provider

import (
	"context"
	"time"
)

// Overrides replace the configured base URL and timeout for the calls made
// with a context carrying them. A per-call Request value still wins.
type Overrides struct {
	BaseURL string
	Timeout time.Duration
}

// IsZero reports whether no override is set
func (o Overrides) IsZero() bool {
	return o.BaseURL == "" && o.Timeout <= 0
}

type overridesKey struct{}

// WithOverrides returns a context whose provider calls use o
func WithOverrides(ctx context.Context, o Overrides) context.Context {
	return context.WithValue(ctx, overridesKey{}, o)
}

// OverridesFromContext returns the overrides carried by ctx, if any
func OverridesFromContext(ctx context.Context) (Overrides, bool) {
	o, ok := ctx.Value(overridesKey{}).(Overrides)
	return o, ok
}

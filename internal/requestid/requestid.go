// Package requestid carries a per-request correlation id through
// context so notifications, audit events and metric emissions from the
// same call can be tied together.
package requestid

import "context"

// Header is the HTTP header the id arrives on and is echoed back on.
const Header = "X-Request-Id"

type ctxKey struct{}

// With returns ctx carrying id. An empty id leaves ctx untouched.
func With(ctx context.Context, id string) context.Context {
    if id == "" { return ctx }
    return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the id carried by ctx, or "".
func From(ctx context.Context) string {
    id, _ := ctx.Value(ctxKey{}).(string)
    return id
}

// Stamp adds the ctx id to m under "requestId". Without an id m is
// returned as-is; a nil m is allocated only when there is an id to add.
func Stamp(ctx context.Context, m map[string]any) map[string]any {
    id := From(ctx)
    if id == "" { return m }
    if m == nil { m = map[string]any{} }
    m["requestId"] = id
    return m
}

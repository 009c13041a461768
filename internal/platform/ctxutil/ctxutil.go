// Package ctxutil carries the two per-request values that ride the
// context through every layer: the resolved scope and the trace ids.
// Both are attached once by middleware and read-only below it.
package ctxutil

import "context"

type scopeDataKey struct{}
type traceDataKey struct{}

// ScopeData is the resolved request scope: the tenant plus the
// (graph, branch) pair every downstream read and write is pinned to.
type ScopeData struct {
	TenantID string
	GraphID  string
	BranchID string
	Demo     bool
}

func WithScopeData(ctx context.Context, sd *ScopeData) context.Context {
	return context.WithValue(ctx, scopeDataKey{}, sd)
}

// GetScopeData returns nil when the request never passed the scope
// middleware (health, metrics, background work).
func GetScopeData(ctx context.Context) *ScopeData {
	sd, _ := ctx.Value(scopeDataKey{}).(*ScopeData)
	return sd
}

// TraceData pairs the trace id with the per-request id so log lines and
// data-quality reports can be joined back to a trace.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	td, _ := ctx.Value(traceDataKey{}).(*TraceData)
	return td
}

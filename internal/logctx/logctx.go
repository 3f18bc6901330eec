// Package logctx threads a logr.Logger through context.Context, mirroring
// sigs.k8s.io/controller-runtime/pkg/log's FromContext/IntoContext pair so
// callers get the same call shape as the teacher's codebase without
// depending on controller-runtime.
package logctx

import (
	"context"

	"github.com/go-logr/logr"
)

type contextKey struct{}

// IntoContext returns a copy of ctx carrying log, retrievable later via
// FromContext.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the logr.Logger stored in ctx by IntoContext, or
// logr.Discard() if none was ever set — callers never need a nil check.
func FromContext(ctx context.Context) logr.Logger {
	if log, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return log
	}
	return logr.Discard()
}

package trace

import "context"

type (
	tracerKey struct{}
	spanKey   struct{}
)

// FromContext returns the tracer attached to ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	if ctx == nil {
		return Nop
	}
	if t, ok := ctx.Value(tracerKey{}).(Tracer); ok {
		return t
	}
	return Nop
}

// WithTracer attaches t to ctx. A nil t attaches Nop.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	return context.WithValue(ctx, tracerKey{}, t)
}

// ParentID returns the innermost recorded span opened on ctx by StartSpan,
// or 0 at the root.
func ParentID(ctx context.Context) uint64 {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(spanKey{}).(uint64)
	return id
}

// StartSpan begins a span on the tracer carried by ctx, under the span ctx
// already carries. The returned context makes the new span the parent of
// spans started from it. A span filtered out by the level leaves ctx as is,
// so its children attach to the nearest recorded ancestor.
func StartSpan(ctx context.Context, scope Scope, name string) (*Span, context.Context) {
	s := Begin(FromContext(ctx), scope, name, ParentID(ctx))
	if s.id == 0 {
		return s, ctx
	}
	return s, context.WithValue(ctx, spanKey{}, s.id)
}

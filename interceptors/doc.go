// Package interceptors wraps message handlers with cross-cutting behavior.
//
// Every subscription and listener handler runs at the end of a Chain. The
// connector installs recovery, tracing, metrics and logging interceptors;
// callers can add their own per channel or per operation:
//
//	audit := interceptors.NewInterceptorFunc("audit", func(ctx context.Context, inv *interceptors.Invocation, next interceptors.Handler) (interface{}, error) {
//	    log.Printf("%s %s", inv.Operation, inv.Qualifier)
//	    return next(ctx, inv)
//	})
//	ch.SubscribeToMessages(ctx, "q/orders", handler, messaging.WithInterceptors(audit))
//
// Interceptors run in the order they were added, outermost first.
package interceptors

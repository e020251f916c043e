// Package shutdown provides graceful shutdown handling.
//
// Usage:
//
//	h := shutdown.NewHandler(10 * time.Second)
//	ctx, stop := h.Context(context.Background())
//	defer stop()
//	h.OnShutdown(func(ctx context.Context) error { return store.Close() })
//	run(ctx)
//	err := h.Shutdown()
package shutdown

// Package app wires the delivery gateway together and runs it.
//
// NewApplication builds every component from a loaded config: telemetry,
// the record store (memory or PostgreSQL), the abuse state (sharded memory
// or Redis), the protocol services and the HTTP router. Backends are
// connected eagerly so a misconfigured deployment fails at startup.
//
// # Lifecycle
//
//	a, err := app.NewApplication(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// Run blocks until ctx is cancelled. Shutdown drains in-flight requests,
// stops the abuse sweeper and the prune job, flushes telemetry and closes
// the backends. The package never calls os.Exit.
package app

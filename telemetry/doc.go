/*
Package telemetry wires OpenTelemetry tracing and metrics for the math updater.

Initialize once in main:

	provider, err := telemetry.Initialize(ctx, cfg.Telemetry, "math-updater")
	if err != nil {
	    log.Fatal(err)
	}
	defer provider.Shutdown(context.Background())

Then emit from anywhere:

	telemetry.Counter("mathupdater.scans", "result", "skipped")
	defer telemetry.Duration("mathupdater.update.duration_ms", time.Now(), "state", "done")

All helpers are no-ops until Initialize installs real providers, so tests
and disabled deployments pay nothing.
*/
package telemetry

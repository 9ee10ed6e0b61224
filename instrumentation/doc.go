// Package instrumentation provides OpenTelemetry metrics and tracing
// for the token broker. When disabled it installs no-op providers, so
// instrumented code paths carry zero overhead.
package instrumentation

// Package observability adapts Prometheus and OpenTelemetry to the delegate's Metrics and
// HeaderPropagator hooks.
package observability

// Package telemetry wires OpenTelemetry tracing and metrics plus the Prometheus
// registry for the Gemini relay.
//
// It centralises trace provider setup, records one metric set per upstream call
// (outcome, status, latency), and exposes front-door HTTP metrics on a private
// Prometheus registry served by the admin listener.
package telemetry

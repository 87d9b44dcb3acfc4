// Package telemetry wires OpenTelemetry trace and metric providers.
//
// OTel metrics are bridged into the Prometheus default registry so a single
// /metrics scrape covers both native collectors and OTel instruments. OTLP
// export of traces and metrics is opt-in. Provider failures degrade
// telemetry instead of failing startup.
package telemetry

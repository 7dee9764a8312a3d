// Package metrics wires engine and compaction counters into Prometheus.
//
// The collector is created once at startup; every method is safe for
// concurrent use and tolerates a nil receiver so callers can run without
// metrics entirely.
package metrics

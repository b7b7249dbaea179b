// Package metrics defines Engram's Prometheus collectors and serves them via
// the standard promhttp handler. Gauges for queue depth are refreshed by a
// periodic Collector; counters are incremented inline by the owning
// components.
package metrics

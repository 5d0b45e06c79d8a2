// Package metrics collects HTTP and quiz-run counters and exposes them in the
// Prometheus text exposition format.
package metrics

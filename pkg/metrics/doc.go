/*
Package metrics provides Prometheus metrics for Burrow benchmark runs.

The metric set is intentionally small: finished trials by outcome and
instance, trial duration, pool size, and submitted trials. The endpoint is
opt-in via --metrics-addr; a campaign runs identically without it.

Usage:

	pool.OnOutcome(metrics.RecordOutcome)
	metrics.Serve("127.0.0.1:9090")
*/
package metrics

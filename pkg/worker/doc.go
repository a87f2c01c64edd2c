/*
Package worker implements trial execution: the fixed-size worker pool, the
four interchangeable guest backends, and the campaign duration estimator.

# Pool

The pool is a fixed set of goroutines sharing one unbuffered channel.
Submission blocks until a worker is free, so backpressure equals worker
count and a run can be cancelled without orphaning queued trials. A trial
that fails or panics is logged by its worker; the pool keeps going. Only
cancellation or a producer-side error stops a run.

# Backends

	firecracker  one microVM per trial, agent over vsock
	docker       one container per trial, agent over a unix socket
	local        in-process agent, guest root is a host directory
	dummy        canned responses, for rehearsing step sequences

All four expose the same agent surface, so the step engine has no idea
which one is in use.

# Estimation

EstimateTotalDuration simulates the pool with a min-heap of worker
availability times seeded with the start stagger: pop the earliest-free
worker, assign the trial, push its finish time. The estimate is the
maximum finish time, which matches the pool's first-available dispatch for
statically-known step durations.
*/
package worker

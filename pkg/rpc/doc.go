/*
Package rpc implements the wire protocol between the harness and guest
agents, and the host-side client.

# Framing

One JSON envelope per line, '\n'-terminated, UTF-8, snake_case fields:

	{"id": 7, "body": {"wait_pid": 4242}}

Request ids start at 1 and increase by one per outgoing request. A response
echoes the id of the request it answers; its body is either {"error": "..."}
or any JSON value.

Requests and responses are strictly interleaved on a connection, but the
client may observe a response with a stale id: a carry-over from an earlier
request whose socket timeout elapsed and whose answer was re-read later.
Stale responses are logged and discarded. A response from the future
(id greater than the pending request) means the two sides disagree about
history and is a fatal protocol error.

# Request taxonomy

	reboot          kill children, then reboot the guest
	restart_agent   agent exits; init restarts it
	get_stats       drain the statsd ring buffer
	spawn_process   start a detached subprocess, return its pid
	run_process     run a subprocess to completion, return its output
	wait_pid        block until a pid exits
	get_status      non-blocking liveness check
	kill_process    POSIX signal by number
	read_file       read file bytes with offset/len clamping
	stat_file       file metadata, canonicalized path
	read_dir        one-level directory listing
	add_entropy     feed the guest kernel entropy pool
	bulk            run sub-requests in order, one response each

# Timeouts

Reads are bounded per request by the caller (10 s default; unbounded for
wait_pid and duration-less run_process). Writes are always bounded by a
fixed 10 s. A read timeout is retryable: the request id is consumed but the
connection survives.

The transport is a local unix, vsock, or TCP socket and is assumed trusted;
there is deliberately no authentication layer.
*/
package rpc

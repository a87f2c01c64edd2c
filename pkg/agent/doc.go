/*
Package agent implements the guest-side request handler.

The agent owns a table of guest subprocesses keyed by pid; entries leave the
table on explicit wait, on kill, or when reaping notices an exit. Reaping
runs between every two requests, so an observer can never see a child
reported alive by a request and missing from an earlier-ordered one.

One connection is served at a time and one request is in flight at a time.
There is no agent-side cancellation: a long run_process is bounded only by
the command's own timeout, and a stuck agent is dealt with by the host
killing and restarting the guest.

The same state machine serves three transports (vsock, unix socket, TCP)
and, through SpawnLocal, an in-process channel pair used by the local
worker backend.
*/
package agent

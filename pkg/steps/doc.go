/*
Package steps implements the trial step engine: the tagged step variant, a
single interpreter over it, and the artifact-collection primitives.

A trial is an ordered step sequence run against one agent and one variable
environment. The engine checks the process-wide cancellation flag between
every two steps, and every sleep or supervised run also selects on the
cancellation channel, so a campaign winds down within one poll tick.

Variables form an insertion-ordered map; {KEY} placeholders expand eagerly
at insertion time and unknown placeholders stay literal. Every step field
naming a path or command is expanded before use.

Host-side file mutations (copy destinations, CSV appends, JSON merges) hold
a single process-wide mutex, so parallel workers never interleave partial
records in shared aggregation files. Artifact-collection failures are
warnings, not trial failures: a missing per-trial stats file must not abort
a campaign that has been running for days.
*/
package steps

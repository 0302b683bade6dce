/*
Package sequence implements the engine's monotonic counter group.

One Sequencer exists per environment. It owns six counters: LSN (per-record
log order), TSN (transactions), NSN (nodes), BSN (backups), DSN (stores),
and LFSN (WAL files). All updates share one mutex; the critical sections are
a single increment or comparison, so contention is negligible next to the
I/O they order.

Recovery restores strict monotonicity across restarts by bumping each counter
past the maximum value observed in the repository (node index headers, WAL
file names, replayed record LSNs) before the environment comes online.
*/
package sequence

/*
Package mvcc implements the transaction manager: serializable snapshot
isolation over single-key write intents.

Every transaction carries a snapshot LSN (its read horizon), a begin CSN
(its position in commit order), and a log of intents. Per store, a
concurrent index keyed by record key holds intent chains ordered oldest to
newest. Writes splice an intent into the chain; reads leave a read
placeholder so a concurrent committed writer is caught at prepare.

# Commit protocol

Prepare walks the intent log: an abort mark or a predecessor committed
after our begin is a conflict (rollback); an uncommitted predecessor is a
lock (the caller retries or rolls back — the manager never parks a
thread); committed read intents older than our begin are stepped over.
Commit assigns a fresh CSN, stamps the intents, aborts concurrent readers
suspended on those keys, and unlinks superseded predecessors.

The visible-LSN floor — the minimum snapshot across active transactions —
is what the compactor treats as "safe to collapse below".

Deadlock detection is an on-demand DFS through intent predecessors to
their owning transactions, used to break commit livelocks.
*/
package mvcc

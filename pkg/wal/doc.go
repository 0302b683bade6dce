/*
Package wal implements the write-ahead log: an ordered sequence of log
files in a directory, each named by its log file sequence number.

Every file starts with the 12-byte storage version stamp and then holds a
sequence of records. A record is a 13-byte header (crc, store_id, size,
flags, little-endian) followed by size bytes of payload. A multi-record
transaction is prefixed by a header record with store_id zero, the Begin
flag, size carrying the record count, and no payload; replay consumes
exactly that many following records as one atomic group.

# Rotation and GC

Rotation triggers when the tail file's record count passes the configured
watermark: a new file with the next LFSN becomes the tail and the prior
file is marked complete. A complete file becomes garbage when every record
in it has been persisted into on-disk nodes, tracked by a mark/sweep
counter pair: appends mark, node finalization sweeps. The tail is never
unlinked.

# Crash behavior

A failed append truncates the file back to its pre-append savepoint. On
replay, a record cut short by the end of a file is a torn tail and ends
that file's replay cleanly; a record that is fully present but fails its
CRC is corruption and aborts recovery.
*/
package wal

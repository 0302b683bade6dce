/*
Package record implements the record codec: a self-describing byte
sequence laid out against a scheme.

Every record begins with a meta prefix — one flags byte and a 64-bit LSN —
followed by the fixed-width fields packed contiguously in scheme order, a
u32 size table for the variable-width fields, and their payloads. All
integers are little-endian. Fixed fields are addressed by offsets known
from the scheme; variable fields indirect through the size table.

Comparison iterates key fields in key-ordinal order; the first non-zero
field comparison wins. Meta fields never participate.

The comparable form rewrites a record with every non-key variable-length
field reduced to zero length. It orders identically to the full record
and is what page indexes store: Compare(rec, rec.Comparable(s)) == 0.
*/
package record

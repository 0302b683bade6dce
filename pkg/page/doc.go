/*
Package page implements the on-disk page format and the node file trailer.

A node file is a sequence of pages followed by an optional alignment pad,
the page index, and a fixed-size index header that readers locate from the
end of the file:

	┌──────┬──────┬─────┬──────┬───────────┬──────────────┐
	│ page │ page │ ... │ pad  │ page index│ index header │
	└──────┴──────┴─────┴──────┴───────────┴──────────────┘

Each page is a 64-byte header followed by its records region: a packed
array for fully fixed-width schemes, otherwise a u32 offset table and a
heap. Records within a page are sorted by key, LSN-descending within equal
keys; the first occurrence of a key has the Dup bit clear.

When a compression filter is configured the records region is stored as a
compressed blob; the header stays uncompressed in front of it and carries
both the stored and the original size, so readers can size buffers without
decompressing.

The page index holds one 40-byte descriptor per page plus the min/max key
blobs in comparable form (non-key variable-length fields reduced to zero
length). The index is the sole authoritative locator: pages are never
referenced except through it. All integers are little-endian; all CRCs are
CRC32C.
*/
package page

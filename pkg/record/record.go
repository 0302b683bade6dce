package record

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// MetaSize is the width of the meta prefix: flags byte plus LSN
const MetaSize = 1 + 8

// Record is a self-describing byte sequence. The layout is:
//
//	flags:u8  lsn:u64  fixed fields...  var sizes:u32...  var payloads...
//
// Fixed-width fields are packed contiguously after the meta prefix in scheme
// order; variable-width fields are addressed through the size table. All
// integers are little-endian.
type Record []byte

// Build encodes field values into a record. values must match the scheme
// arity; fixed-width values must match their declared width exactly. An
// empty timestamp field value is auto-populated with the current time.
func Build(s *scheme.Scheme, flags types.Flags, lsn uint64, values [][]byte) (Record, error) {
	if len(values) != len(s.Fields) {
		return nil, fmt.Errorf("record: got %d values for %d fields", len(values), len(s.Fields))
	}

	var stamped []byte
	if ts := s.TimestampField(); ts >= 0 && len(values[ts]) == 0 {
		stamped = make([]byte, 4)
		binary.LittleEndian.PutUint32(stamped, uint32(time.Now().Unix()))
	}

	size := MetaSize + s.FixedOffset() + 4*len(s.Vars())
	for i, f := range s.Fields {
		v := values[i]
		if i == s.TimestampField() && stamped != nil {
			v = stamped
		}
		if w := f.Type.FixedSize(); w > 0 {
			if len(v) != w {
				return nil, fmt.Errorf("record: field %q wants %d bytes, got %d", f.Name, w, len(v))
			}
		} else {
			size += len(v)
		}
	}

	buf := make(Record, size)
	buf[0] = byte(flags)
	binary.LittleEndian.PutUint64(buf[1:], lsn)

	off := MetaSize
	for i, f := range s.Fields {
		if w := f.Type.FixedSize(); w > 0 {
			v := values[i]
			if i == s.TimestampField() && stamped != nil {
				v = stamped
			}
			copy(buf[off:], v)
			off += w
		}
	}

	tab := off
	off += 4 * len(s.Vars())
	for _, i := range s.Vars() {
		v := values[i]
		binary.LittleEndian.PutUint32(buf[tab:], uint32(len(v)))
		tab += 4
		copy(buf[off:], v)
		off += len(v)
	}
	return buf, nil
}

// Flags returns the meta flags byte
func (r Record) Flags() types.Flags { return types.Flags(r[0]) }

// SetFlags overwrites the meta flags byte
func (r Record) SetFlags(f types.Flags) { r[0] = byte(f) }

// AddFlags sets additional flag bits
func (r Record) AddFlags(f types.Flags) { r[0] |= byte(f) }

// ClearFlags clears the given flag bits
func (r Record) ClearFlags(f types.Flags) { r[0] &^= byte(f) }

// LSN returns the record's log sequence number
func (r Record) LSN() uint64 { return binary.LittleEndian.Uint64(r[1:]) }

// SetLSN stamps the record's log sequence number
func (r Record) SetLSN(lsn uint64) { binary.LittleEndian.PutUint64(r[1:], lsn) }

// Field returns a view of field i's encoded value
func (r Record) Field(s *scheme.Scheme, i int) []byte {
	off := MetaSize
	varIdx := 0
	for j := 0; j < i; j++ {
		if w := s.Fields[j].Type.FixedSize(); w > 0 {
			off += w
		} else {
			varIdx++
		}
	}
	if w := s.Fields[i].Type.FixedSize(); w > 0 {
		return r[off : off+w]
	}
	// Skip remaining fixed fields to reach the size table
	tab := MetaSize + s.FixedOffset()
	payload := tab + 4*len(s.Vars())
	for v := 0; v < varIdx; v++ {
		payload += int(binary.LittleEndian.Uint32(r[tab+4*v:]))
	}
	n := int(binary.LittleEndian.Uint32(r[tab+4*varIdx:]))
	return r[payload : payload+n]
}

// Fields decodes every field value. The returned slices view the record.
func (r Record) Fields(s *scheme.Scheme) [][]byte {
	out := make([][]byte, len(s.Fields))
	off := MetaSize
	tab := MetaSize + s.FixedOffset()
	payload := tab + 4*len(s.Vars())
	varIdx := 0
	for i, f := range s.Fields {
		if w := f.Type.FixedSize(); w > 0 {
			out[i] = r[off : off+w]
			off += w
			continue
		}
		n := int(binary.LittleEndian.Uint32(r[tab+4*varIdx:]))
		out[i] = r[payload : payload+n]
		payload += n
		varIdx++
	}
	return out
}

// Compare orders two records by their key fields in key-ordinal order.
// Meta fields do not participate.
func Compare(s *scheme.Scheme, a, b Record) int {
	for _, i := range s.Keys() {
		if r := s.CompareField(i, a.Field(s, i), b.Field(s, i)); r != 0 {
			return r
		}
	}
	return 0
}

// Comparable rewrites a record so that every non-key variable-length field
// is zero-length. The result preserves comparison order; it is the form
// stored in page indexes.
func (r Record) Comparable(s *scheme.Scheme) Record {
	if s.FixedOnly() {
		out := make(Record, len(r))
		copy(out, r)
		return out
	}
	values := r.Fields(s)
	for _, i := range s.Vars() {
		if !s.IsKey(i) {
			values[i] = nil
		}
	}
	out, _ := Build(s, r.Flags(), r.LSN(), values)
	return out
}

// BuildKey encodes a search record from key field values only; non-key
// fields are zeroed (fixed) or empty (variable). The result compares
// equal to any record with the same key.
func BuildKey(s *scheme.Scheme, keyValues [][]byte) (Record, error) {
	keys := s.Keys()
	if len(keyValues) != len(keys) {
		return nil, fmt.Errorf("record: got %d key values for %d key fields", len(keyValues), len(keys))
	}
	values := make([][]byte, len(s.Fields))
	for i, f := range s.Fields {
		if w := f.Type.FixedSize(); w > 0 {
			values[i] = make([]byte, w)
		}
	}
	for ord, i := range keys {
		values[i] = keyValues[ord]
	}
	return Build(s, types.FlagGet, 0, values)
}

// U32 encodes v little-endian; a convenience for building field values
func U32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// U64 encodes v little-endian
func U64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// I64 encodes v little-endian
func I64(v int64) []byte {
	return U64(uint64(v))
}

// Timestamp returns the record's embedded timestamp field as a Unix time,
// or zero when the scheme has no timestamp field.
func (r Record) Timestamp(s *scheme.Scheme) uint32 {
	ts := s.TimestampField()
	if ts < 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(r.Field(s, ts))
}

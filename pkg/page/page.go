package page

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"sort"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// HeaderSize is the fixed width of a page header
const HeaderSize = 64

// castagnoli is the CRC32C table shared by all storage CRCs
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the storage CRC over data
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ChecksumAdd extends a running storage CRC with data
func ChecksumAdd(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// Header is the 64-byte page header. On disk it is always stored
// uncompressed, even when the records region behind it is filtered, so a
// reader can size its buffers without decompressing.
//
//	crc:u32 crc_data:u32 count:u32 count_dup:u32 size:u32 size_origin:u32
//	lsn_min:u64 lsn_min_dup:u64 lsn_max:u64 ts_min:u32 reserve:[12]u8
type Header struct {
	CRC        uint32
	CRCData    uint32
	Count      uint32
	CountDup   uint32
	Size       uint32 // stored records region size
	SizeOrigin uint32 // uncompressed records region size
	LSNMin     uint64
	LSNMinDup  uint64
	LSNMax     uint64
	TSMin      uint32
}

func (h *Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[4:], h.CRCData)
	binary.LittleEndian.PutUint32(b[8:], h.Count)
	binary.LittleEndian.PutUint32(b[12:], h.CountDup)
	binary.LittleEndian.PutUint32(b[16:], h.Size)
	binary.LittleEndian.PutUint32(b[20:], h.SizeOrigin)
	binary.LittleEndian.PutUint64(b[24:], h.LSNMin)
	binary.LittleEndian.PutUint64(b[32:], h.LSNMinDup)
	binary.LittleEndian.PutUint64(b[40:], h.LSNMax)
	binary.LittleEndian.PutUint32(b[48:], h.TSMin)
	for i := 52; i < HeaderSize; i++ {
		b[i] = 0
	}
	h.CRC = Checksum(b[4:HeaderSize])
	binary.LittleEndian.PutUint32(b[0:], h.CRC)
}

func decodeHeader(b []byte) (Header, error) {
	h := Header{
		CRC:        binary.LittleEndian.Uint32(b[0:]),
		CRCData:    binary.LittleEndian.Uint32(b[4:]),
		Count:      binary.LittleEndian.Uint32(b[8:]),
		CountDup:   binary.LittleEndian.Uint32(b[12:]),
		Size:       binary.LittleEndian.Uint32(b[16:]),
		SizeOrigin: binary.LittleEndian.Uint32(b[20:]),
		LSNMin:     binary.LittleEndian.Uint64(b[24:]),
		LSNMinDup:  binary.LittleEndian.Uint64(b[32:]),
		LSNMax:     binary.LittleEndian.Uint64(b[40:]),
		TSMin:      binary.LittleEndian.Uint32(b[48:]),
	}
	if Checksum(b[4:HeaderSize]) != h.CRC {
		return h, fmt.Errorf("%w: page header crc mismatch", types.ErrCorrupted)
	}
	return h, nil
}

// Builder accumulates a sorted run of records and emits a page. The records
// region is a packed array for fully fixed-width schemes, otherwise an
// offset table followed by a heap.
type Builder struct {
	scheme  *scheme.Scheme
	filter  Filter
	offsets []uint32
	heap    []byte
	hdr     Header
	maxRec  int
	prev    record.Record
}

// NewBuilder creates a page builder
func NewBuilder(s *scheme.Scheme, filter Filter) *Builder {
	b := &Builder{scheme: s, filter: filter}
	b.Reset()
	return b
}

// Reset prepares the builder for the next page
func (b *Builder) Reset() {
	b.offsets = b.offsets[:0]
	b.heap = b.heap[:0]
	b.hdr = Header{LSNMin: math.MaxUint64, LSNMinDup: math.MaxUint64, TSMin: math.MaxUint32}
	b.maxRec = 0
	b.prev = nil
}

// Count returns the number of records added since the last reset
func (b *Builder) Count() int { return len(b.offsets) }

// Size returns the uncompressed byte size the records region has reached
func (b *Builder) Size() int {
	if b.scheme.FixedOnly() {
		return len(b.heap)
	}
	return 4*len(b.offsets) + len(b.heap)
}

// MaxRecord returns the largest record size added since the last reset
func (b *Builder) MaxRecord() int { return b.maxRec }

// Add appends a record. Records must arrive sorted by key, LSN-descending
// within equal keys; the Dup bit is stamped here from that order. The
// input is not mutated — it may view a read-only mapping — so the flag is
// stamped on the copy in the heap.
func (b *Builder) Add(in record.Record) error {
	dup := false
	if b.prev != nil {
		switch c := record.Compare(b.scheme, b.prev, in); {
		case c > 0:
			return fmt.Errorf("page: records out of order")
		case c == 0:
			if b.prev.LSN() <= in.LSN() {
				return fmt.Errorf("page: duplicate versions out of order")
			}
			dup = true
		}
	}

	off := len(b.heap)
	b.offsets = append(b.offsets, uint32(off))
	b.heap = append(b.heap, in...)
	rec := record.Record(b.heap[off : off+len(in)])
	if dup {
		rec.AddFlags(types.FlagDup)
	} else {
		rec.ClearFlags(types.FlagDup)
	}
	b.prev = rec

	if len(rec) > b.maxRec {
		b.maxRec = len(rec)
	}
	lsn := rec.LSN()
	if lsn < b.hdr.LSNMin {
		b.hdr.LSNMin = lsn
	}
	if lsn > b.hdr.LSNMax {
		b.hdr.LSNMax = lsn
	}
	if rec.Flags().Has(types.FlagDup) {
		b.hdr.CountDup++
		if lsn < b.hdr.LSNMinDup {
			b.hdr.LSNMinDup = lsn
		}
	}
	if ts := rec.Timestamp(b.scheme); ts != 0 && ts < b.hdr.TSMin {
		b.hdr.TSMin = ts
	}
	b.hdr.Count++
	return nil
}

// Finish serializes the page: header, then the (optionally filtered)
// records region. It returns the encoded page and its header.
func (b *Builder) Finish() ([]byte, Header, error) {
	if b.hdr.Count == 0 {
		return nil, Header{}, fmt.Errorf("page: empty page")
	}

	var region []byte
	if b.scheme.FixedOnly() {
		region = b.heap
	} else {
		region = make([]byte, 0, 4*len(b.offsets)+len(b.heap))
		var tab [4]byte
		for _, off := range b.offsets {
			binary.LittleEndian.PutUint32(tab[:], off)
			region = append(region, tab[:]...)
		}
		region = append(region, b.heap...)
	}
	b.hdr.SizeOrigin = uint32(len(region))

	stored := region
	if b.filter != nil {
		var err error
		stored, err = b.filter.Compress(region)
		if err != nil {
			return nil, Header{}, fmt.Errorf("page: %w", err)
		}
	}
	b.hdr.Size = uint32(len(stored))
	b.hdr.CRCData = Checksum(stored)

	out := make([]byte, HeaderSize+len(stored))
	b.hdr.encode(out[:HeaderSize])
	copy(out[HeaderSize:], stored)
	return out, b.hdr, nil
}

// Page is a decoded page held in memory: header plus the uncompressed
// records region.
type Page struct {
	scheme *scheme.Scheme
	Hdr    Header
	region []byte
}

// Decode validates and decompresses an encoded page
func Decode(s *scheme.Scheme, filter Filter, raw []byte) (*Page, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: short page", types.ErrCorrupted)
	}
	hdr, err := decodeHeader(raw[:HeaderSize])
	if err != nil {
		return nil, err
	}
	stored := raw[HeaderSize:]
	if len(stored) < int(hdr.Size) {
		return nil, fmt.Errorf("%w: truncated page", types.ErrCorrupted)
	}
	stored = stored[:hdr.Size]
	if Checksum(stored) != hdr.CRCData {
		return nil, fmt.Errorf("%w: page data crc mismatch", types.ErrCorrupted)
	}

	region := stored
	if hdr.Size != hdr.SizeOrigin {
		if filter == nil {
			return nil, fmt.Errorf("%w: compressed page but no filter configured", types.ErrCorrupted)
		}
		region, err = filter.Decompress(stored, int(hdr.SizeOrigin))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCorrupted, err)
		}
	}
	return &Page{scheme: s, Hdr: hdr, region: region}, nil
}

// Count returns the number of records in the page
func (p *Page) Count() int { return int(p.Hdr.Count) }

// At returns record i
func (p *Page) At(i int) record.Record {
	if p.scheme.FixedOnly() {
		w := record.MetaSize + p.scheme.FixedOffset()
		return record.Record(p.region[i*w : (i+1)*w])
	}
	n := int(p.Hdr.Count)
	tab := p.region[:4*n]
	heap := p.region[4*n:]
	start := binary.LittleEndian.Uint32(tab[4*i:])
	if i+1 < n {
		end := binary.LittleEndian.Uint32(tab[4*(i+1):])
		return record.Record(heap[start:end])
	}
	return record.Record(heap[start:])
}

// Search returns the position of the first record whose key is >= key.
// When the key exists the returned position is its chain head (Dup clear).
func (p *Page) Search(key record.Record) int {
	n := p.Count()
	return sort.Search(n, func(i int) bool {
		return record.Compare(p.scheme, p.At(i), key) >= 0
	})
}

package page

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/scheme"
	"github.com/cuemby/sophia/pkg/types"
)

// entrySize is the fixed part of one page descriptor
const entrySize = 8 + 4 + 4 + 4 + 2 + 2 + 8 + 8 // 40

// IndexHeaderSize is the width of the node file trailer. Readers locate
// the trailer by reading the last IndexHeaderSize bytes of the file.
const IndexHeaderSize = 4 + types.VersionSize + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 8 + 2 // 90

// PageInfo is one page descriptor: the sole authoritative locator of a page.
// Min and Max keys are stored in comparable form.
type PageInfo struct {
	Offset      uint64 // file offset of the encoded page
	OffsetIndex uint32 // offset of this page's key blobs in the keys region
	Size        uint32 // encoded page size including header
	SizeOrigin  uint32 // uncompressed records region size
	SizeMin     uint16 // min-key blob length
	SizeMax     uint16 // max-key blob length
	LSNMin      uint64
	LSNMax      uint64

	MinKey record.Record
	MaxKey record.Record
}

// IndexHeader is the node file trailer.
type IndexHeader struct {
	CRC         uint32
	Version     types.StorageVersion
	Offset      uint64 // file offset of the page-index region
	Size        uint32 // bytes of page-index region (entries + keys)
	SizeVMax    uint32 // largest record in the node
	Count       uint32 // pages
	Keys        uint32 // records
	Total       uint64 // stored bytes of all pages
	TotalOrigin uint64 // uncompressed bytes of all pages
	TSMin       uint32
	LSNMin      uint64
	LSNMax      uint64
	DupKeys     uint32 // duplicate (non-head) record count
	DupMin      uint64 // minimum LSN among duplicates
	Align       uint16 // alignment pad bytes preceding the page-index region
}

func (h *IndexHeader) encode() []byte {
	b := make([]byte, IndexHeaderSize)
	h.Version.Encode(b[4:])
	binary.LittleEndian.PutUint64(b[16:], h.Offset)
	binary.LittleEndian.PutUint32(b[24:], h.Size)
	binary.LittleEndian.PutUint32(b[28:], h.SizeVMax)
	binary.LittleEndian.PutUint32(b[32:], h.Count)
	binary.LittleEndian.PutUint32(b[36:], h.Keys)
	binary.LittleEndian.PutUint64(b[40:], h.Total)
	binary.LittleEndian.PutUint64(b[48:], h.TotalOrigin)
	binary.LittleEndian.PutUint32(b[56:], h.TSMin)
	binary.LittleEndian.PutUint64(b[60:], h.LSNMin)
	binary.LittleEndian.PutUint64(b[68:], h.LSNMax)
	binary.LittleEndian.PutUint32(b[76:], h.DupKeys)
	binary.LittleEndian.PutUint64(b[80:], h.DupMin)
	binary.LittleEndian.PutUint16(b[88:], h.Align)
	h.CRC = Checksum(b[4:])
	binary.LittleEndian.PutUint32(b[0:], h.CRC)
	return b
}

// DecodeIndexHeader validates and decodes a trailer
func DecodeIndexHeader(b []byte) (IndexHeader, error) {
	if len(b) != IndexHeaderSize {
		return IndexHeader{}, fmt.Errorf("%w: short index header", types.ErrCorrupted)
	}
	h := IndexHeader{
		CRC:         binary.LittleEndian.Uint32(b[0:]),
		Version:     types.DecodeVersion(b[4:]),
		Offset:      binary.LittleEndian.Uint64(b[16:]),
		Size:        binary.LittleEndian.Uint32(b[24:]),
		SizeVMax:    binary.LittleEndian.Uint32(b[28:]),
		Count:       binary.LittleEndian.Uint32(b[32:]),
		Keys:        binary.LittleEndian.Uint32(b[36:]),
		Total:       binary.LittleEndian.Uint64(b[40:]),
		TotalOrigin: binary.LittleEndian.Uint64(b[48:]),
		TSMin:       binary.LittleEndian.Uint32(b[56:]),
		LSNMin:      binary.LittleEndian.Uint64(b[60:]),
		LSNMax:      binary.LittleEndian.Uint64(b[68:]),
		DupKeys:     binary.LittleEndian.Uint32(b[76:]),
		DupMin:      binary.LittleEndian.Uint64(b[80:]),
		Align:       binary.LittleEndian.Uint16(b[88:]),
	}
	if Checksum(b[4:]) != h.CRC {
		return IndexHeader{}, fmt.Errorf("%w: index header crc mismatch", types.ErrCorrupted)
	}
	if err := h.Version.Check(); err != nil {
		return IndexHeader{}, err
	}
	return h, nil
}

// IndexBuilder tracks one descriptor per finalized page and emits the
// page-index region plus trailer.
type IndexBuilder struct {
	scheme  *scheme.Scheme
	entries []PageInfo
	keys    []byte
	hdr     IndexHeader
}

// NewIndexBuilder creates an index builder
func NewIndexBuilder(s *scheme.Scheme) *IndexBuilder {
	return &IndexBuilder{
		scheme: s,
		hdr: IndexHeader{
			Version: types.CurrentVersion,
			TSMin:   math.MaxUint32,
			LSNMin:  math.MaxUint64,
			DupMin:  math.MaxUint64,
		},
	}
}

// Count returns the number of pages added
func (ib *IndexBuilder) Count() int { return len(ib.entries) }

// Total returns the stored bytes of all pages added
func (ib *IndexBuilder) Total() uint64 { return ib.hdr.Total }

// TotalOrigin returns the uncompressed bytes of all pages added
func (ib *IndexBuilder) TotalOrigin() uint64 { return ib.hdr.TotalOrigin }

// AddPage records the descriptor of a page just written at offset. first
// and last are the page's boundary records; they are reduced to comparable
// form here.
func (ib *IndexBuilder) AddPage(offset uint64, encodedSize int, hdr Header, first, last record.Record, maxRec int) {
	minKey := first.Comparable(ib.scheme)
	maxKey := last.Comparable(ib.scheme)

	ib.entries = append(ib.entries, PageInfo{
		Offset:      offset,
		OffsetIndex: uint32(len(ib.keys)),
		Size:        uint32(encodedSize),
		SizeOrigin:  hdr.SizeOrigin,
		SizeMin:     uint16(len(minKey)),
		SizeMax:     uint16(len(maxKey)),
		LSNMin:      hdr.LSNMin,
		LSNMax:      hdr.LSNMax,
		MinKey:      minKey,
		MaxKey:      maxKey,
	})
	ib.keys = append(ib.keys, minKey...)
	ib.keys = append(ib.keys, maxKey...)

	ib.hdr.Count++
	ib.hdr.Keys += hdr.Count
	ib.hdr.Total += uint64(encodedSize)
	ib.hdr.TotalOrigin += uint64(HeaderSize) + uint64(hdr.SizeOrigin)
	ib.hdr.DupKeys += hdr.CountDup
	if hdr.LSNMin < ib.hdr.LSNMin {
		ib.hdr.LSNMin = hdr.LSNMin
	}
	if hdr.LSNMax > ib.hdr.LSNMax {
		ib.hdr.LSNMax = hdr.LSNMax
	}
	if hdr.LSNMinDup < ib.hdr.DupMin {
		ib.hdr.DupMin = hdr.LSNMinDup
	}
	if hdr.TSMin < ib.hdr.TSMin {
		ib.hdr.TSMin = hdr.TSMin
	}
	if uint32(maxRec) > ib.hdr.SizeVMax {
		ib.hdr.SizeVMax = uint32(maxRec)
	}
}

// Finish emits the trailer region to append at file offset off: an optional
// alignment pad, the page descriptors, the key blobs, and the index header.
func (ib *IndexBuilder) Finish(off uint64, align uint16) []byte {
	if len(ib.entries) == 0 {
		// Empty node: zero the min/max sentinels so recovery's sequencer
		// bumps see real values.
		ib.hdr.LSNMin, ib.hdr.DupMin, ib.hdr.TSMin = 0, 0, 0
	}
	var pad int
	if align > 1 {
		if rem := off % uint64(align); rem != 0 {
			pad = int(uint64(align) - rem)
		}
	}
	ib.hdr.Align = uint16(pad)
	ib.hdr.Offset = off + uint64(pad)
	ib.hdr.Size = uint32(entrySize*len(ib.entries) + len(ib.keys))

	out := make([]byte, pad, pad+int(ib.hdr.Size)+IndexHeaderSize)
	var e [entrySize]byte
	for _, p := range ib.entries {
		binary.LittleEndian.PutUint64(e[0:], p.Offset)
		binary.LittleEndian.PutUint32(e[8:], p.OffsetIndex)
		binary.LittleEndian.PutUint32(e[12:], p.Size)
		binary.LittleEndian.PutUint32(e[16:], p.SizeOrigin)
		binary.LittleEndian.PutUint16(e[20:], p.SizeMin)
		binary.LittleEndian.PutUint16(e[22:], p.SizeMax)
		binary.LittleEndian.PutUint64(e[24:], p.LSNMin)
		binary.LittleEndian.PutUint64(e[32:], p.LSNMax)
		out = append(out, e[:]...)
	}
	out = append(out, ib.keys...)
	out = append(out, ib.hdr.encode()...)
	return out
}

// Header returns the trailer as finalized by Finish
func (ib *IndexBuilder) Header() IndexHeader { return ib.hdr }

// Index is a node's page index loaded into memory.
type Index struct {
	Hdr   IndexHeader
	Pages []PageInfo
}

// ReadIndex loads a node file's page index. size is the file size.
func ReadIndex(s *scheme.Scheme, r io.ReaderAt, size int64) (*Index, error) {
	if size < IndexHeaderSize {
		return nil, fmt.Errorf("%w: node file too small", types.ErrCorrupted)
	}
	tb := make([]byte, IndexHeaderSize)
	if _, err := r.ReadAt(tb, size-IndexHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read index header: %w", err)
	}
	hdr, err := DecodeIndexHeader(tb)
	if err != nil {
		return nil, err
	}

	region := make([]byte, hdr.Size)
	if _, err := r.ReadAt(region, int64(hdr.Offset)); err != nil {
		return nil, fmt.Errorf("failed to read page index: %w", err)
	}

	n := int(hdr.Count)
	keys := region[entrySize*n:]
	idx := &Index{Hdr: hdr, Pages: make([]PageInfo, n)}
	for i := 0; i < n; i++ {
		e := region[entrySize*i:]
		p := PageInfo{
			Offset:      binary.LittleEndian.Uint64(e[0:]),
			OffsetIndex: binary.LittleEndian.Uint32(e[8:]),
			Size:        binary.LittleEndian.Uint32(e[12:]),
			SizeOrigin:  binary.LittleEndian.Uint32(e[16:]),
			SizeMin:     binary.LittleEndian.Uint16(e[20:]),
			SizeMax:     binary.LittleEndian.Uint16(e[22:]),
			LSNMin:      binary.LittleEndian.Uint64(e[24:]),
			LSNMax:      binary.LittleEndian.Uint64(e[32:]),
		}
		ko := int(p.OffsetIndex)
		p.MinKey = record.Record(keys[ko : ko+int(p.SizeMin)])
		p.MaxKey = record.Record(keys[ko+int(p.SizeMin) : ko+int(p.SizeMin)+int(p.SizeMax)])
		idx.Pages[i] = p
	}
	return idx, nil
}

// Search returns the position of the first page whose max key is >= key,
// the candidate page for a point lookup.
func (x *Index) Search(s *scheme.Scheme, key record.Record) int {
	lo, hi := 0, len(x.Pages)
	for lo < hi {
		mid := (lo + hi) / 2
		if record.Compare(s, x.Pages[mid].MaxKey, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

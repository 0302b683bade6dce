package wal

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/types"
)

// Batch is one atomic group read back from the log: a single record, or
// the records of a multi-record transaction.
type Batch struct {
	LFSN    uint64
	StoreID uint64
	Records []record.Record
}

// Replay walks every log file in order and dispatches each atomic group
// to fn. Records are copied out of the mapping before dispatch. A short
// tail (an append cut off by a crash) ends that file's replay without
// error; a CRC or magic mismatch is fatal.
func (l *Log) Replay(fn func(b Batch) error) error {
	l.mu.Lock()
	files := make([]*File, len(l.files))
	copy(files, l.files)
	l.mu.Unlock()

	for _, f := range files {
		if err := l.replayFile(f, fn); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) replayFile(f *File, fn func(b Batch) error) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open log file for replay: %w", err)
	}
	defer fh.Close()

	st, err := fh.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if st.Size() < types.VersionSize {
		return fmt.Errorf("%w: log file %020d is shorter than its header", types.ErrCorrupted, f.LFSN)
	}

	mm, err := mmap.Map(fh, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to map log file: %w", err)
	}
	defer mm.Unmap()

	if err := types.DecodeVersion(mm).Check(); err != nil {
		return fmt.Errorf("log file %020d: %w", f.LFSN, err)
	}

	pos := int64(types.VersionSize)
	size := int64(len(mm))
	for pos < size {
		hdr, payload, next, st := readRecord(mm, pos, size)
		if st == readShort {
			// Torn tail from a crashed append; everything before it is
			// intact, so stop here.
			l.logger.Warn().
				Uint64("lfsn", f.LFSN).
				Int64("offset", pos).
				Msg("Truncated log record, ending replay of file")
			return nil
		}
		if st == readCorrupt {
			return fmt.Errorf("%w: log file %020d record at offset %d", types.ErrCorrupted, f.LFSN, pos)
		}

		if types.Flags(hdr.flags).Has(types.FlagBegin) {
			// Group header: consume exactly hdr.size following records.
			count := int(hdr.size)
			batch := Batch{LFSN: f.LFSN}
			pos = next
			for i := 0; i < count; i++ {
				rh, rp, rn, st := readRecord(mm, pos, size)
				if st == readShort {
					l.logger.Warn().
						Uint64("lfsn", f.LFSN).
						Msg("Truncated transaction group, ending replay of file")
					return nil
				}
				if st == readCorrupt {
					return fmt.Errorf("%w: log file %020d record at offset %d", types.ErrCorrupted, f.LFSN, pos)
				}
				batch.StoreID = uint64(rh.storeID)
				batch.Records = append(batch.Records, copyRecord(rp))
				pos = rn
			}
			if err := fn(batch); err != nil {
				return err
			}
			continue
		}

		b := Batch{
			LFSN:    f.LFSN,
			StoreID: uint64(hdr.storeID),
			Records: []record.Record{copyRecord(payload)},
		}
		if err := fn(b); err != nil {
			return err
		}
		pos = next
	}
	return nil
}

type recHeader struct {
	crc     uint32
	storeID uint32
	size    uint32
	flags   uint8
}

type readStatus int

const (
	readOK readStatus = iota
	readShort
	readCorrupt
)

// readRecord decodes one record at pos, verifying its CRC. readShort means
// the buffer ends mid-record (a torn tail); readCorrupt means the bytes
// are present but fail their CRC.
func readRecord(mm []byte, pos, size int64) (recHeader, []byte, int64, readStatus) {
	if pos+RecordHeaderSize > size {
		return recHeader{}, nil, 0, readShort
	}
	h := recHeader{
		crc:     binary.LittleEndian.Uint32(mm[pos:]),
		storeID: binary.LittleEndian.Uint32(mm[pos+4:]),
		size:    binary.LittleEndian.Uint32(mm[pos+8:]),
		flags:   mm[pos+12],
	}

	var payload []byte
	next := pos + RecordHeaderSize
	if !types.Flags(h.flags).Has(types.FlagBegin) {
		if next+int64(h.size) > size {
			return recHeader{}, nil, 0, readShort
		}
		payload = mm[next : next+int64(h.size)]
		next += int64(h.size)
	}

	crc := page.Checksum(mm[pos+4 : pos+RecordHeaderSize])
	if len(payload) > 0 {
		crc = page.ChecksumAdd(crc, payload)
	}
	if crc != h.crc {
		return recHeader{}, nil, 0, readCorrupt
	}
	return h, payload, next, readOK
}

func copyRecord(b []byte) record.Record {
	out := make(record.Record, len(b))
	copy(out, b)
	return out
}

package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/sophia/pkg/log"
	"github.com/cuemby/sophia/pkg/metrics"
	"github.com/cuemby/sophia/pkg/page"
	"github.com/cuemby/sophia/pkg/record"
	"github.com/cuemby/sophia/pkg/sequence"
	"github.com/cuemby/sophia/pkg/types"
)

// RecordHeaderSize is the fixed header preceding every WAL record payload:
// crc:u32, store_id:u32, size:u32, flags:u8, little-endian.
const RecordHeaderSize = 13

const fileSuffix = ".log"

// Config holds WAL behavior knobs
type Config struct {
	// SyncOnWrite fsyncs after every append
	SyncOnWrite bool

	// SyncOnRotate fsyncs a file when it is rotated out
	SyncOnRotate bool

	// RotateWM is the record count per file that triggers rotation
	RotateWM int
}

// File is one log file. mark counts records appended to it; sweep counts
// records since persisted into on-disk nodes. When sweep catches up on a
// complete (rotated-out) file, the file is garbage.
type File struct {
	LFSN     uint64
	path     string
	f        *os.File
	size     int64
	complete bool
	mark     int
	sweep    int
}

// Log is the ordered sequence of WAL files in a directory
type Log struct {
	mu     sync.Mutex
	dir    string
	cfg    Config
	seq    *sequence.Sequencer
	files  []*File // ordered by LFSN; the last is the append tail
	logger zerolog.Logger
}

func fileName(lfsn uint64) string {
	return fmt.Sprintf("%020d%s", lfsn, fileSuffix)
}

// Open scans dir for log files, opens them in LFSN order, and ensures an
// append tail exists. The sequencer's LFSN floor is bumped past every file
// seen.
func Open(dir string, cfg Config, seq *sequence.Sequencer) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	l := &Log{dir: dir, cfg: cfg, seq: seq, logger: log.WithComponent("wal")}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		lfsn, err := strconv.ParseUint(strings.TrimSuffix(e.Name(), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		l.files = append(l.files, &File{LFSN: lfsn, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(l.files, func(i, j int) bool { return l.files[i].LFSN < l.files[j].LFSN })

	for i, f := range l.files {
		fh, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		st, err := fh.Stat()
		if err != nil {
			fh.Close()
			return nil, fmt.Errorf("failed to stat log file: %w", err)
		}
		f.f = fh
		f.size = st.Size()
		f.complete = i < len(l.files)-1
		seq.BumpLFSN(f.LFSN)
	}

	if len(l.files) == 0 {
		if _, err := l.create(); err != nil {
			return nil, err
		}
	}
	metrics.WALFiles.Set(float64(len(l.files)))
	return l, nil
}

// create appends a fresh tail file with the next LFSN. Caller holds the
// lock (or is Open).
func (l *Log) create() (*File, error) {
	lfsn := l.seq.NextLFSN()
	f := &File{LFSN: lfsn, path: filepath.Join(l.dir, fileName(lfsn))}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	var hdr [types.VersionSize]byte
	types.CurrentVersion.Encode(hdr[:])
	if _, err := fh.Write(hdr[:]); err != nil {
		fh.Close()
		os.Remove(f.path)
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}
	f.f = fh
	f.size = types.VersionSize
	l.files = append(l.files, f)
	return f, nil
}

// Close closes every file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if f.f != nil {
			if err := f.f.Close(); err != nil {
				return fmt.Errorf("failed to close log file: %w", err)
			}
			f.f = nil
		}
	}
	return nil
}

// encodeHeader fills a record header; the crc covers the header past the
// crc field plus the payload.
func encodeHeader(b []byte, storeID uint64, flags types.Flags, size uint32, payload []byte) {
	binary.LittleEndian.PutUint32(b[4:], uint32(storeID))
	binary.LittleEndian.PutUint32(b[8:], size)
	b[12] = byte(flags)
	crc := page.Checksum(b[4:RecordHeaderSize])
	if len(payload) > 0 {
		crc = page.ChecksumAdd(crc, payload)
	}
	binary.LittleEndian.PutUint32(b[0:], crc)
}

// Append writes one transaction's records as an atomic group. Records must
// already carry their final LSNs. On write failure the file is truncated
// back to its savepoint and the error surfaces to the caller.
func (l *Log) Append(storeID uint64, recs []record.Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tail := l.files[len(l.files)-1]
	savepoint := tail.size

	buf := make([]byte, 0, 64+len(recs)*RecordHeaderSize)
	var hdr [RecordHeaderSize]byte
	if len(recs) > 1 {
		// Multi-record transactions carry a group header so replay can
		// consume them atomically.
		encodeHeader(hdr[:], 0, types.FlagBegin, uint32(len(recs)), nil)
		buf = append(buf, hdr[:]...)
	}
	for _, rec := range recs {
		encodeHeader(hdr[:], storeID, rec.Flags(), uint32(len(rec)), rec)
		buf = append(buf, hdr[:]...)
		buf = append(buf, rec...)
	}

	if _, err := tail.f.WriteAt(buf, savepoint); err != nil {
		if terr := tail.f.Truncate(savepoint); terr != nil {
			l.logger.Error().Err(terr).Msg("Failed to truncate log after write error")
		}
		return 0, fmt.Errorf("failed to append to log: %w", err)
	}
	tail.size += int64(len(buf))
	tail.mark += len(recs)
	metrics.WALAppendsTotal.Add(float64(len(recs)))

	if l.cfg.SyncOnWrite {
		if err := tail.f.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync log: %w", err)
		}
	}

	lfsn := tail.LFSN
	if tail.mark >= l.cfg.RotateWM {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	return lfsn, nil
}

// rotate publishes a fresh tail and marks the prior file complete. Caller
// holds the lock.
func (l *Log) rotate() error {
	prev := l.files[len(l.files)-1]
	if _, err := l.create(); err != nil {
		return err
	}
	prev.complete = true
	if l.cfg.SyncOnRotate {
		if err := prev.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync rotated log: %w", err)
		}
	}
	metrics.WALRotationsTotal.Inc()
	metrics.WALFiles.Set(float64(len(l.files)))
	l.logger.Debug().Uint64("lfsn", prev.LFSN).Msg("Rotated log file")
	l.gcLocked()
	return nil
}

// Mark raises a file's pending-record count; used by recovery to rebuild
// GC accounting for replayed records.
func (l *Log) Mark(lfsn uint64, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if f.LFSN == lfsn {
			f.mark += n
			return
		}
	}
}

// Sweep records that n records of file lfsn have been persisted into
// on-disk nodes, then unlinks any file whose records are all persisted.
func (l *Log) Sweep(lfsn uint64, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		if f.LFSN == lfsn {
			f.sweep += n
			break
		}
	}
	l.gcLocked()
}

// gcLocked unlinks complete files whose sweep counters caught up. The tail
// is never eligible. Caller holds the lock.
func (l *Log) gcLocked() {
	kept := l.files[:0]
	for i, f := range l.files {
		if i == len(l.files)-1 || !f.complete || f.sweep < f.mark {
			kept = append(kept, f)
			continue
		}
		if f.f != nil {
			f.f.Close()
		}
		if err := os.Remove(f.path); err != nil {
			l.logger.Error().Err(err).Uint64("lfsn", f.LFSN).Msg("Failed to unlink log file")
			kept = append(kept, f)
			continue
		}
		metrics.WALFilesGCTotal.Inc()
		l.logger.Debug().Uint64("lfsn", f.LFSN).Msg("Unlinked log file")
	}
	l.files = kept
	metrics.WALFiles.Set(float64(len(l.files)))
}

// Files returns the LFSNs currently on disk, in order
func (l *Log) Files() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, len(l.files))
	for i, f := range l.files {
		out[i] = f.LFSN
	}
	return out
}

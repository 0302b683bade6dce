package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Node file suffixes. The compaction crash protocol renames through them:
// .incomplete while pages are being written, .seal once complete but not
// yet published, .db once live, .db.gc while queued for deferred deletion.
const (
	SuffixDB         = ".db"
	SuffixSeal       = ".db.seal"
	SuffixIncomplete = ".db.incomplete"
	SuffixGC         = ".db.gc"
)

// DBName formats a live node file name
func DBName(nsn uint64) string {
	return fmt.Sprintf("%020d%s", nsn, SuffixDB)
}

// SealName formats a sealed intermediate file name
func SealName(parent, nsn uint64) string {
	return fmt.Sprintf("%020d.%020d%s", parent, nsn, SuffixSeal)
}

// IncompleteName formats an in-progress compaction file name
func IncompleteName(parent, nsn uint64) string {
	return fmt.Sprintf("%020d.%020d%s", parent, nsn, SuffixIncomplete)
}

// GCName formats a deferred-deletion file name
func GCName(nsn uint64) string {
	return fmt.Sprintf("%020d%s", nsn, SuffixGC)
}

// FileInfo is the parse of one repository file name
type FileInfo struct {
	NSN    uint64
	Parent uint64 // zero unless the name carries a parent id
	Suffix string
}

// ParseName parses a node file name, reporting ok=false for foreign files
func ParseName(name string) (FileInfo, bool) {
	var fi FileInfo
	switch {
	case strings.HasSuffix(name, SuffixSeal):
		fi.Suffix = SuffixSeal
		name = strings.TrimSuffix(name, SuffixSeal)
	case strings.HasSuffix(name, SuffixIncomplete):
		fi.Suffix = SuffixIncomplete
		name = strings.TrimSuffix(name, SuffixIncomplete)
	case strings.HasSuffix(name, SuffixGC):
		fi.Suffix = SuffixGC
		name = strings.TrimSuffix(name, SuffixGC)
	case strings.HasSuffix(name, SuffixDB):
		fi.Suffix = SuffixDB
		name = strings.TrimSuffix(name, SuffixDB)
	default:
		return fi, false
	}

	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		nsn, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return fi, false
		}
		fi.NSN = nsn
	case 2:
		parent, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return fi, false
		}
		nsn, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return fi, false
		}
		fi.Parent, fi.NSN = parent, nsn
	default:
		return fi, false
	}
	return fi, true
}

// Rename atomically moves a node file within its directory
func Rename(dir, from, to string) error {
	if err := os.Rename(filepath.Join(dir, from), filepath.Join(dir, to)); err != nil {
		return fmt.Errorf("failed to rename node file: %w", err)
	}
	return nil
}

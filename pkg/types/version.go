package types

import (
	"encoding/binary"
	"fmt"
)

// MagicNumber identifies a Sophia storage file
const MagicNumber uint64 = 0x765EF14C3254D423

// VersionSize is the encoded width of a StorageVersion
const VersionSize = 12

// StorageVersion is the 12-byte version stamp written at the start of every
// WAL file and embedded in every node index header. A is bumped on format
// breaks, B on forward-compatible additions.
type StorageVersion struct {
	Magic uint64
	A     uint8
	B     uint8
	C     uint8
}

// CurrentVersion is the storage format written by this build
var CurrentVersion = StorageVersion{Magic: MagicNumber, A: 2, B: 1, C: 0}

// Encode writes the version stamp into b, which must hold VersionSize bytes
func (v StorageVersion) Encode(b []byte) {
	binary.LittleEndian.PutUint64(b, v.Magic)
	b[8] = v.A
	b[9] = v.B
	b[10] = v.C
	b[11] = 0
}

// DecodeVersion reads a version stamp from b
func DecodeVersion(b []byte) StorageVersion {
	return StorageVersion{
		Magic: binary.LittleEndian.Uint64(b),
		A:     b[8],
		B:     b[9],
		C:     b[10],
	}
}

// Check validates the magic and major version against the current build
func (v StorageVersion) Check() error {
	if v.Magic != MagicNumber {
		return fmt.Errorf("%w: bad magic %#x", ErrCorrupted, v.Magic)
	}
	if v.A != CurrentVersion.A {
		return fmt.Errorf("%w: storage version %d.%d is not supported", ErrCorrupted, v.A, v.B)
	}
	return nil
}

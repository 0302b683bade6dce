package scheme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FieldType is the semantic type of a field
type FieldType string

const (
	TypeString FieldType = "string"
	TypeU8     FieldType = "u8"
	TypeU16    FieldType = "u16"
	TypeU32    FieldType = "u32"
	TypeU64    FieldType = "u64"
	TypeI64    FieldType = "i64"
)

// FixedSize returns the encoded width of the type, or 0 for variable-width
func (t FieldType) FixedSize() int {
	switch t {
	case TypeU8:
		return 1
	case TypeU16:
		return 2
	case TypeU32:
		return 4
	case TypeU64:
		return 8
	case TypeI64:
		return 8
	}
	return 0
}

// Field describes one column of a scheme
type Field struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`

	// Reverse inverts the field's comparator (descending order)
	Reverse bool `yaml:"reverse,omitempty"`

	// Key marks the field as a key part; KeyOrder is its ordinal
	Key      bool `yaml:"key,omitempty"`
	KeyOrder int  `yaml:"key_order,omitempty"`

	// Timestamp auto-populates the field at build time when left empty.
	// Only valid for u32 fields (unix seconds).
	Timestamp bool `yaml:"timestamp,omitempty"`
}

// UpsertFunc merges an upsert operand into a base value. base is nil when
// no prior version exists (synthetic base). It returns the merged field
// values in scheme order.
type UpsertFunc func(base, op [][]byte) ([][]byte, error)

// Scheme is an ordered list of field descriptors plus derived layout
type Scheme struct {
	Fields []Field `yaml:"fields"`

	// StoreID is the stable store identifier WAL records route by
	StoreID uint64 `yaml:"store_id"`

	// Upsert is the merge function bound at open; never persisted
	Upsert UpsertFunc `yaml:"-"`

	keys        []int // field indexes in key-ordinal order
	vars        []int // variable-width field indexes in scheme order
	fixedOffset int   // total width of the fixed region
	tsField     int   // timestamp field index, -1 if none
}

// New builds and validates a scheme from field descriptors
func New(fields []Field) (*Scheme, error) {
	s := &Scheme{Fields: fields}
	if err := s.compile(); err != nil {
		return nil, err
	}
	return s, nil
}

// compile derives the layout tables and validates the descriptors
func (s *Scheme) compile() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("scheme: no fields")
	}
	s.tsField = -1
	s.keys = nil
	s.vars = nil
	s.fixedOffset = 0

	names := make(map[string]bool, len(s.Fields))
	keyOrders := make(map[int]int)
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("scheme: field %d has no name", i)
		}
		if names[f.Name] {
			return fmt.Errorf("scheme: duplicate field %q", f.Name)
		}
		names[f.Name] = true

		switch f.Type {
		case TypeString, TypeU8, TypeU16, TypeU32, TypeU64, TypeI64:
		default:
			return fmt.Errorf("scheme: field %q has unknown type %q", f.Name, f.Type)
		}

		if f.Timestamp {
			if f.Type != TypeU32 {
				return fmt.Errorf("scheme: timestamp field %q must be u32", f.Name)
			}
			if s.tsField >= 0 {
				return fmt.Errorf("scheme: more than one timestamp field")
			}
			s.tsField = i
		}

		if f.Key {
			if _, dup := keyOrders[f.KeyOrder]; dup {
				return fmt.Errorf("scheme: duplicate key order %d", f.KeyOrder)
			}
			keyOrders[f.KeyOrder] = i
		}

		if w := f.Type.FixedSize(); w > 0 {
			s.fixedOffset += w
		} else {
			s.vars = append(s.vars, i)
		}
	}

	if len(keyOrders) == 0 {
		return fmt.Errorf("scheme: no key fields")
	}
	for ord := 0; ord < len(keyOrders); ord++ {
		i, ok := keyOrders[ord]
		if !ok {
			return fmt.Errorf("scheme: key orders are not contiguous, missing %d", ord)
		}
		s.keys = append(s.keys, i)
	}
	return nil
}

// Keys returns the field indexes in key-ordinal order
func (s *Scheme) Keys() []int { return s.keys }

// Vars returns the variable-width field indexes in scheme order
func (s *Scheme) Vars() []int { return s.vars }

// FixedOffset returns the total width of the fixed-field region
func (s *Scheme) FixedOffset() int { return s.fixedOffset }

// FixedOnly reports whether every field is fixed-width
func (s *Scheme) FixedOnly() bool { return len(s.vars) == 0 }

// TimestampField returns the auto-populated field index, or -1
func (s *Scheme) TimestampField() int { return s.tsField }

// IsKey reports whether field i is a key part
func (s *Scheme) IsKey(i int) bool { return s.Fields[i].Key }

// CompareField compares two encoded values of field i
func (s *Scheme) CompareField(i int, a, b []byte) int {
	f := &s.Fields[i]
	var r int
	switch f.Type {
	case TypeString:
		r = bytes.Compare(a, b)
	case TypeU8:
		r = compareUint(uint64(a[0]), uint64(b[0]))
	case TypeU16:
		r = compareUint(uint64(binary.LittleEndian.Uint16(a)), uint64(binary.LittleEndian.Uint16(b)))
	case TypeU32:
		r = compareUint(uint64(binary.LittleEndian.Uint32(a)), uint64(binary.LittleEndian.Uint32(b)))
	case TypeU64:
		r = compareUint(binary.LittleEndian.Uint64(a), binary.LittleEndian.Uint64(b))
	case TypeI64:
		r = compareInt(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
	}
	if f.Reverse {
		r = -r
	}
	return r
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether two schemes have identical field layouts.
// The upsert binding is not part of the persisted identity.
func (s *Scheme) Equal(o *Scheme) bool {
	if len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// schemeFile is the on-disk YAML form
type schemeFile struct {
	Version int     `yaml:"version"`
	StoreID uint64  `yaml:"store_id"`
	Fields  []Field `yaml:"fields"`
}

// fileVersion is bumped on incompatible scheme file changes
const fileVersion = 1

// Save writes the scheme file
func (s *Scheme) Save(path string) error {
	data, err := yaml.Marshal(schemeFile{Version: fileVersion, StoreID: s.StoreID, Fields: s.Fields})
	if err != nil {
		return fmt.Errorf("failed to encode scheme: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write scheme: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads and validates a scheme file
func Load(path string) (*Scheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheme: %w", err)
	}
	var f schemeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse scheme: %w", err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("scheme version %d is not supported", f.Version)
	}
	s, err := New(f.Fields)
	if err != nil {
		return nil, err
	}
	s.StoreID = f.StoreID
	return s, nil
}

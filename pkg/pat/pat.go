// Package pat implements the relocation-aware pattern extraction engine: it
// turns one function's raw object code plus its relocation entries into a
// FLAIR-style signature record, wildcarding every byte the linker may patch
// so that only link-invariant bytes take part in downstream matching.
package pat

import "errors"

const (
	// PrefixLen is the number of leading bytes recorded in every pattern and
	// used as the primary index key by downstream matchers.
	PrefixLen = 32

	// MaxChecksumSpan caps the checksum window so its length fits one byte.
	MaxChecksumSpan = 0xff

	// MaxLength is the largest function length representable in the emitted
	// record; longer functions are clamped on output.
	MaxLength = 0xffff
)

var (
	// ErrEmptyFunction is returned when a function has no bytes to sign.
	ErrEmptyFunction = errors.New("empty function")

	// ErrNameOutOfRange is returned when a public or external-reference
	// offset does not fall inside the function being signed.
	ErrNameOutOfRange = errors.New("name offset out of range")
)

// NameRef ties a symbol name to a function-relative byte offset.
type NameRef struct {
	Name   string
	Offset uint32
}

// RelocationOccurrence is one relocation entry rebased to function-relative
// coordinates by the object reader.
type RelocationOccurrence struct {
	Offset uint32
	Kind   uint32
}

// FunctionRecord is the engine's input: one function as produced by an
// object-file reader. Name is carried for diagnostics only; the emitted
// record identifies the function through Publics.
type FunctionRecord struct {
	Name         string
	Bytes        []byte
	Relocations  []RelocationOccurrence
	Publics      []NameRef
	ExternalRefs []NameRef
}

// PrefixByte is one position of a pattern prefix: either a literal byte or a
// wildcard standing for a link-time-variable (or absent) byte.
type PrefixByte struct {
	Value    byte
	Wildcard bool
}

// Pattern is one function's signature record. It is immutable once encoded.
type Pattern struct {
	Prefix       [PrefixLen]PrefixByte
	Checksum     uint16
	ChecksumSpan uint8
	Length       uint32
	Publics      []NameRef
	ExternalRefs []NameRef
}

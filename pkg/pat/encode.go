package pat

import "fmt"

// Encode builds the canonical signature record for one function from its
// bytes and variable-byte mask.
//
// The prefix always reports exactly PrefixLen positions: masked bytes and
// positions past the end of a short function are wildcards. The checksum
// covers the longest run of contiguous fixed bytes starting at offset
// PrefixLen, capped at MaxChecksumSpan; if the function is no longer than
// the prefix, or byte PrefixLen itself is variable, the span is 0 and the
// checksum is 0 — the record is then disambiguated downstream by its length
// and names alone.
func Encode(data []byte, mask []bool, publics, refs []NameRef) (*Pattern, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFunction
	}
	if len(mask) != len(data) {
		return nil, fmt.Errorf("mask length %d does not match function length %d", len(mask), len(data))
	}
	for _, ref := range publics {
		if ref.Offset >= uint32(len(data)) {
			return nil, fmt.Errorf("public %s at offset %#x: %w", ref.Name, ref.Offset, ErrNameOutOfRange)
		}
	}
	for _, ref := range refs {
		if ref.Offset >= uint32(len(data)) {
			return nil, fmt.Errorf("reference %s at offset %#x: %w", ref.Name, ref.Offset, ErrNameOutOfRange)
		}
	}

	p := &Pattern{
		Length:       uint32(len(data)),
		Publics:      append([]NameRef(nil), publics...),
		ExternalRefs: append([]NameRef(nil), refs...),
	}

	for i := 0; i < PrefixLen; i++ {
		if i >= len(data) || mask[i] {
			p.Prefix[i] = PrefixByte{Wildcard: true}
		} else {
			p.Prefix[i] = PrefixByte{Value: data[i]}
		}
	}

	span := 0
	for PrefixLen+span < len(data) && span < MaxChecksumSpan && !mask[PrefixLen+span] {
		span++
	}
	p.ChecksumSpan = uint8(span)
	if span > 0 {
		p.Checksum = crc16(data[PrefixLen : PrefixLen+span])
	}

	return p, nil
}

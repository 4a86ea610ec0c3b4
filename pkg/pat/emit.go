package pat

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Emitter serializes patterns into the pattern-file text format.
//
// One line per distinct 32-byte prefix (wildcard positions included in the
// identity), alternatives separated by " | " in insertion order:
//
//	<prefix> <span> <crc> <length> [:<off> <name>]... [^<off> <name>]...
//
// where <prefix> is 64 uppercase hex chars with ".." per wildcard byte,
// <span> is the checksum span as 2 hex chars, <crc> the CRC-16 as 4 hex
// chars and <length> the function length as 4 hex chars (clamped to FFFF).
// ":" introduces a public, "^" an external reference, each with a 4-hex-char
// function-relative offset. The stream ends with a "---" terminator line.
// The layout is a persisted interchange format consumed by the signature
// compiler and must not change.
type Emitter struct {
	w      *bufio.Writer
	order  []string
	groups map[string][]*Pattern
}

// NewEmitter returns an emitter writing to w. Nothing is written until
// Flush, since alternatives sharing a prefix must be grouped first.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{
		w:      bufio.NewWriter(w),
		groups: make(map[string][]*Pattern),
	}
}

// Add queues one pattern for emission. Group order and the order of
// alternatives within a group both follow insertion order, so re-running the
// tool over unchanged input reproduces the output byte for byte.
func (e *Emitter) Add(p *Pattern) {
	key := renderPrefix(p.Prefix)
	if _, ok := e.groups[key]; !ok {
		e.order = append(e.order, key)
	}
	e.groups[key] = append(e.groups[key], p)
}

// Flush writes all queued patterns followed by the terminator line. An
// emitter with no patterns writes only the terminator.
func (e *Emitter) Flush() error {
	for _, key := range e.order {
		if _, err := e.w.WriteString(key); err != nil {
			return err
		}
		for i, p := range e.groups[key] {
			if i > 0 {
				if _, err := e.w.WriteString(" |"); err != nil {
					return err
				}
			}
			if err := e.writeFields(p); err != nil {
				return err
			}
		}
		if err := e.w.WriteByte('\n'); err != nil {
			return err
		}
	}
	if _, err := e.w.WriteString("---\n"); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Emitter) writeFields(p *Pattern) error {
	length := p.Length
	if length > MaxLength {
		length = MaxLength
	}
	if _, err := fmt.Fprintf(e.w, " %02X %04X %04X", p.ChecksumSpan, p.Checksum, length); err != nil {
		return err
	}
	for _, pub := range p.Publics {
		if _, err := fmt.Fprintf(e.w, " :%04X %s", pub.Offset, pub.Name); err != nil {
			return err
		}
	}
	for _, ref := range p.ExternalRefs {
		if _, err := fmt.Fprintf(e.w, " ^%04X %s", ref.Offset, ref.Name); err != nil {
			return err
		}
	}
	return nil
}

func renderPrefix(prefix [PrefixLen]PrefixByte) string {
	var sb strings.Builder
	sb.Grow(2 * PrefixLen)
	for _, b := range prefix {
		if b.Wildcard {
			sb.WriteString("..")
		} else {
			fmt.Fprintf(&sb, "%02X", b.Value)
		}
	}
	return sb.String()
}

// Package relocmask holds the per-architecture relocation-mask table: for
// every supported machine and relocation kind it records which bytes of the
// relocated field are patched at link time and therefore must be wildcarded
// out of byte-pattern signatures.
package relocmask

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedRelocation is returned when a (machine, kind) pair is absent
// from the table. A relocation the table does not know about can NOT be
// treated as "no variable bytes": that would leak link-time garbage into the
// signature, so the caller must skip the affected function instead.
var ErrUnsupportedRelocation = errors.New("unsupported relocation")

// Rule describes the byte span patched by one relocation kind.
//
// The offset is relative to the relocation's anchor offset and depends on the
// target's byte order: a 24-bit branch field inside a 4-byte ARM or PowerPC
// instruction sits at the low 3 bytes on little-endian targets but 1 byte in
// on big-endian ones. Negative offsets mean the variable field precedes the
// anchor (TLS descriptor sequences). Length 0 means the relocation has no
// byte-level effect (NONE, COPY).
type Rule struct {
	Kind     uint32
	OffsetLE int8
	OffsetBE int8
	Length   uint8
}

// EndianOffset selects the byte offset for the given target byte order.
func (r Rule) EndianOffset(bigEndian bool) int {
	if bigEndian {
		return int(r.OffsetBE)
	}
	return int(r.OffsetLE)
}

// Table is an immutable relocation-mask table. It is safe for concurrent use
// once constructed; several machine ids may share one underlying rule set.
type Table struct {
	machines map[uint16]map[uint32]Rule
}

// Lookup returns the masking rule for (machine, kind). It fails with
// ErrUnsupportedRelocation when either the machine or the kind is unknown.
func (t *Table) Lookup(machine uint16, kind uint32) (Rule, error) {
	rules, ok := t.machines[machine]
	if !ok {
		return Rule{}, fmt.Errorf("machine %d: %w", machine, ErrUnsupportedRelocation)
	}
	rule, ok := rules[kind]
	if !ok {
		return Rule{}, fmt.Errorf("machine %d kind %d: %w", machine, kind, ErrUnsupportedRelocation)
	}
	return rule, nil
}

// Machines returns the supported machine ids in ascending order.
func (t *Table) Machines() []uint16 {
	out := make([]uint16, 0, len(t.machines))
	for m := range t.machines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rules returns the rule set of one machine, sorted by kind, or nil if the
// machine is unsupported.
func (t *Table) Rules(machine uint16) []Rule {
	rules, ok := t.machines[machine]
	if !ok {
		return nil
	}
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Parse reads a mask table in the text format:
//
//	# comment
//	machine 3 6        <- opens a rule group shared by machine ids 3 and 6
//	1   0  0  4        <- kind, offsetLE, offsetBE, length
//
// Parse validates the whole table before returning: a machine id declared
// twice, a kind repeated within a group, a row outside any group, or a
// malformed field is a configuration error and fails the load. A bad table
// would silently corrupt every signature emitted afterwards, so nothing is
// skipped or defaulted.
func Parse(r io.Reader) (*Table, error) {
	t := &Table{machines: make(map[uint16]map[uint32]Rule)}

	var group map[uint32]Rule
	lineno := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "machine" {
			if len(fields) < 2 {
				return nil, fmt.Errorf("line %d: machine marker declares no machine ids", lineno)
			}
			group = make(map[uint32]Rule)
			for _, f := range fields[1:] {
				m, err := strconv.ParseUint(f, 10, 16)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad machine id %q: %v", lineno, f, err)
				}
				if _, dup := t.machines[uint16(m)]; dup {
					return nil, fmt.Errorf("line %d: machine %d declared in more than one group", lineno, m)
				}
				t.machines[uint16(m)] = group
			}
			continue
		}

		if group == nil {
			return nil, fmt.Errorf("line %d: rule row before any machine marker", lineno)
		}
		rule, err := parseRule(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", lineno, err)
		}
		if _, dup := group[rule.Kind]; dup {
			return nil, fmt.Errorf("line %d: duplicate relocation kind %d", lineno, rule.Kind)
		}
		group[rule.Kind] = rule
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read mask table: %v", err)
	}

	return t, nil
}

func parseRule(fields []string) (Rule, error) {
	if len(fields) != 4 {
		return Rule{}, fmt.Errorf("rule row has %d fields, want 4 (kind offsetLE offsetBE length)", len(fields))
	}
	kind, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Rule{}, fmt.Errorf("bad relocation kind %q: %v", fields[0], err)
	}
	offLE, err := strconv.ParseInt(fields[1], 10, 8)
	if err != nil {
		return Rule{}, fmt.Errorf("bad little-endian offset %q: %v", fields[1], err)
	}
	offBE, err := strconv.ParseInt(fields[2], 10, 8)
	if err != nil {
		return Rule{}, fmt.Errorf("bad big-endian offset %q: %v", fields[2], err)
	}
	length, err := strconv.ParseUint(fields[3], 10, 8)
	if err != nil {
		return Rule{}, fmt.Errorf("bad length %q: %v", fields[3], err)
	}
	return Rule{
		Kind:     uint32(kind),
		OffsetLE: int8(offLE),
		OffsetBE: int8(offBE),
		Length:   uint8(length),
	}, nil
}

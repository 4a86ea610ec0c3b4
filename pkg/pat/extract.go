package pat

import (
	"fmt"
	"sort"

	"github.com/apex/log"

	"github.com/fengjixuchui/IDASignMaker/pkg/relocmask"
)

// Extractor masks one machine's functions against the relocation table. The
// table is read-only and may be shared by any number of extractors.
type Extractor struct {
	table     *relocmask.Table
	machine   uint16
	bigEndian bool
	diag      *Diagnostics
}

// NewExtractor returns an extractor for the given machine and byte order.
// diag may be nil to discard diagnostics.
func NewExtractor(table *relocmask.Table, machine uint16, bigEndian bool, diag *Diagnostics) *Extractor {
	return &Extractor{
		table:     table,
		machine:   machine,
		bigEndian: bigEndian,
		diag:      diag,
	}
}

// Extract returns the function's bytes alongside a parallel mask marking the
// link-time-variable bytes. The mask is the union of every relocation's byte
// range, so overlapping relocations need no special handling. A relocation
// whose range falls entirely outside the function is dropped with a warning
// (the pattern is still emitted, just with degraded coverage); a relocation
// kind absent from the table fails the whole function, since masking it is
// impossible and emitting it would bake link-time garbage into the pattern.
func (e *Extractor) Extract(fn *FunctionRecord) ([]byte, []bool, error) {
	mask := make([]bool, len(fn.Bytes))

	relocs := append([]RelocationOccurrence(nil), fn.Relocations...)
	sort.SliceStable(relocs, func(i, j int) bool { return relocs[i].Offset < relocs[j].Offset })

	for _, reloc := range relocs {
		rule, err := e.table.Lookup(e.machine, reloc.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("function %s: relocation at offset %#x: %w", fn.Name, reloc.Offset, err)
		}
		if rule.Length == 0 {
			continue
		}

		start := int(reloc.Offset) + rule.EndianOffset(e.bigEndian)
		end := start + int(rule.Length)
		if end <= 0 || start >= len(fn.Bytes) {
			log.WithFields(log.Fields{
				"function": fn.Name,
				"kind":     reloc.Kind,
				"offset":   fmt.Sprintf("%#x", reloc.Offset),
			}).Warn("relocation range outside function, dropped")
			e.diag.noteDegraded(fn.Name, fmt.Sprintf("relocation kind %d at offset %#x outside function", reloc.Kind, reloc.Offset))
			continue
		}
		start = clamp(start, 0, len(fn.Bytes))
		end = clamp(end, 0, len(fn.Bytes))
		for i := start; i < end; i++ {
			mask[i] = true
		}
	}

	return fn.Bytes, mask, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

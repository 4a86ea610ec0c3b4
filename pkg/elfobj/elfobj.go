// Package elfobj reads an ELF relocatable object and flattens it into the
// per-function records the pattern engine consumes: raw bytes, relocations
// rebased to function-relative offsets, publicly visible symbols inside the
// function and the external symbols its relocations refer to.
package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/fengjixuchui/IDASignMaker/pkg/pat"
)

// Object is a parsed relocatable object.
type Object struct {
	f      *elf.File
	closer io.Closer

	machine   uint16
	bigEndian bool
	funcs     []pat.FunctionRecord
}

// Open reads the relocatable object at path.
func Open(path string) (*Object, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open object file")
	}
	o, err := NewFile(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	o.closer = r
	return o, nil
}

// NewFile parses a relocatable object from r, which must stay readable for
// the lifetime of the Object.
func NewFile(r io.ReaderAt) (*Object, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF file")
	}
	if f.Type != elf.ET_REL {
		return nil, fmt.Errorf("not a relocatable object (type %s)", f.Type)
	}

	o := &Object{
		f:         f,
		machine:   uint16(f.Machine),
		bigEndian: f.Data == elf.ELFDATA2MSB,
	}
	if err := o.readFunctions(); err != nil {
		return nil, err
	}
	return o, nil
}

// Machine returns the object's e_machine value.
func (o *Object) Machine() uint16 { return o.machine }

// BigEndian reports whether the object's data encoding is MSB-first.
func (o *Object) BigEndian() bool { return o.bigEndian }

// Functions returns the object's functions in section-then-offset order.
func (o *Object) Functions() []pat.FunctionRecord { return o.funcs }

// Close releases the underlying reader if the Object owns one.
func (o *Object) Close() error {
	if o.closer != nil {
		return o.closer.Close()
	}
	return nil
}

type reloc struct {
	off  uint64
	kind uint32
	sym  uint32 // symtab index, 0 means none
}

func (o *Object) readFunctions() error {
	syms, err := o.f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return errors.Wrap(err, "failed to read symbol table")
	}

	for idx, sec := range o.f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errors.Wrapf(err, "failed to read section %s", sec.Name)
		}
		relocs, err := o.sectionRelocs(elf.SectionIndex(idx))
		if err != nil {
			return err
		}

		var secFuncs []elf.Symbol
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section != elf.SectionIndex(idx) {
				continue
			}
			secFuncs = append(secFuncs, sym)
		}
		// section-then-offset order keeps re-runs byte-for-byte reproducible
		sort.SliceStable(secFuncs, func(i, j int) bool { return secFuncs[i].Value < secFuncs[j].Value })

		for _, sym := range secFuncs {
			fn, err := o.buildFunction(sym, data, relocs, syms)
			if err != nil {
				return err
			}
			o.funcs = append(o.funcs, fn)
		}
	}

	return nil
}

func (o *Object) buildFunction(sym elf.Symbol, data []byte, relocs []reloc, syms []elf.Symbol) (pat.FunctionRecord, error) {
	start, size := sym.Value, sym.Size
	if start+size > uint64(len(data)) {
		return pat.FunctionRecord{}, fmt.Errorf("function %s spans [%#x,%#x) outside its %d-byte section", sym.Name, start, start+size, len(data))
	}

	fn := pat.FunctionRecord{
		Name:  sym.Name,
		Bytes: data[start : start+size],
	}

	for _, r := range relocs {
		if r.off < start || r.off >= start+size {
			continue
		}
		off := uint32(r.off - start)
		fn.Relocations = append(fn.Relocations, pat.RelocationOccurrence{Offset: off, Kind: r.kind})

		// a relocation whose symbol is undefined, or defined outside the
		// object's text, is an external reference; calls into other text
		// functions of the same object are not
		if r.sym > 0 && int(r.sym) <= len(syms) {
			target := syms[r.sym-1]
			if target.Name != "" && !o.inText(target) {
				fn.ExternalRefs = append(fn.ExternalRefs, pat.NameRef{Name: target.Name, Offset: off})
			}
		}
	}

	// globally visible symbols landing inside the function
	for _, s := range syms {
		bind := elf.ST_BIND(s.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		if s.Section != sym.Section || s.Name == "" || s.Value < start || s.Value >= start+size {
			continue
		}
		fn.Publics = append(fn.Publics, pat.NameRef{Name: s.Name, Offset: uint32(s.Value - start)})
	}
	sort.SliceStable(fn.Publics, func(i, j int) bool {
		if fn.Publics[i].Offset != fn.Publics[j].Offset {
			return fn.Publics[i].Offset < fn.Publics[j].Offset
		}
		return fn.Publics[i].Name < fn.Publics[j].Name
	})

	// a purely local function still needs a name to be recorded under
	if len(fn.Publics) == 0 || fn.Publics[0].Offset != 0 {
		fn.Publics = append([]pat.NameRef{{Name: sym.Name}}, fn.Publics...)
	}

	return fn, nil
}

// inText reports whether the symbol is defined in one of this object's
// executable sections. Undefined, absolute and common symbols are not.
func (o *Object) inText(sym elf.Symbol) bool {
	if sym.Section == elf.SHN_UNDEF || sym.Section >= elf.SHN_LORESERVE {
		return false
	}
	if int(sym.Section) >= len(o.f.Sections) {
		return false
	}
	return o.f.Sections[sym.Section].Flags&elf.SHF_EXECINSTR != 0
}

// sectionRelocs parses the SHT_RELA/SHT_REL section targeting the given
// section. debug/elf exposes relocation sections only as raw bytes, so the
// entries are decoded here for both ELF classes.
func (o *Object) sectionRelocs(target elf.SectionIndex) ([]reloc, error) {
	for _, sec := range o.f.Sections {
		if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
			continue
		}
		if elf.SectionIndex(sec.Info) != target {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read relocation section %s", sec.Name)
		}
		return o.parseRelocs(data, sec.Type == elf.SHT_RELA)
	}
	return nil, nil
}

func (o *Object) parseRelocs(data []byte, rela bool) ([]reloc, error) {
	bo := o.byteOrder()

	var entsize int
	switch {
	case o.f.Class == elf.ELFCLASS64 && rela:
		entsize = 24
	case o.f.Class == elf.ELFCLASS64:
		entsize = 16
	case rela:
		entsize = 12
	default:
		entsize = 8
	}
	if len(data)%entsize != 0 {
		return nil, fmt.Errorf("relocation section size %d is not a multiple of entry size %d", len(data), entsize)
	}

	relocs := make([]reloc, 0, len(data)/entsize)
	for off := 0; off < len(data); off += entsize {
		ent := data[off : off+entsize]
		var r reloc
		if o.f.Class == elf.ELFCLASS64 {
			info := bo.Uint64(ent[8:16])
			r = reloc{
				off:  bo.Uint64(ent[0:8]),
				kind: uint32(info),
				sym:  uint32(info >> 32),
			}
		} else {
			info := bo.Uint32(ent[4:8])
			r = reloc{
				off:  uint64(bo.Uint32(ent[0:4])),
				kind: info & 0xff,
				sym:  info >> 8,
			}
		}
		relocs = append(relocs, r)
	}
	return relocs, nil
}

func (o *Object) byteOrder() binary.ByteOrder {
	if o.bigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

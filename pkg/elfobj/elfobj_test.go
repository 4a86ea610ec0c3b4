package elfobj

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengjixuchui/IDASignMaker/pkg/pat"
	"github.com/fengjixuchui/IDASignMaker/pkg/relocmask"
)

// objBuilder assembles a minimal ELF64 little-endian relocatable image in
// memory: file header, section bodies, then the section header table.
type objBuilder struct {
	buf      bytes.Buffer
	shdrs    []shdr
	shstrtab bytes.Buffer
}

type shdr struct {
	name, typ, link, info     uint32
	flags, off, size, entsize uint64
}

func (b *objBuilder) addName(s string) uint32 {
	off := uint32(b.shstrtab.Len())
	b.shstrtab.WriteString(s)
	b.shstrtab.WriteByte(0)
	return off
}

func (b *objBuilder) addSection(name string, typ elf.SectionType, flags elf.SectionFlag, data []byte, link, info uint32, entsize uint64) int {
	for b.buf.Len()%8 != 0 {
		b.buf.WriteByte(0)
	}
	b.shdrs = append(b.shdrs, shdr{
		name:    b.addName(name),
		typ:     uint32(typ),
		flags:   uint64(flags),
		off:     uint64(64 + b.buf.Len()), // bodies start right after the ehdr
		size:    uint64(len(data)),
		link:    link,
		info:    info,
		entsize: entsize,
	})
	b.buf.Write(data)
	return len(b.shdrs) - 1
}

func (b *objBuilder) bytes(t *testing.T) []byte {
	t.Helper()

	// the section name table is itself a section
	nameOff := uint32(b.shstrtab.Len())
	b.shstrtab.WriteString(".shstrtab")
	b.shstrtab.WriteByte(0)
	shstrndx := b.addSection("", elf.SHT_STRTAB, 0, b.shstrtab.Bytes(), 0, 0, 0)
	b.shdrs[shstrndx].name = nameOff

	body := b.buf.Bytes()
	pad := (8 - len(body)%8) % 8
	body = append(body, make([]byte, pad)...)
	shoff := 64 + len(body)

	var img bytes.Buffer
	le := binary.LittleEndian

	// Elf64_Ehdr
	img.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	binary.Write(&img, le, uint16(elf.ET_REL))
	binary.Write(&img, le, uint16(elf.EM_X86_64))
	binary.Write(&img, le, uint32(1))
	binary.Write(&img, le, uint64(0)) // e_entry
	binary.Write(&img, le, uint64(0)) // e_phoff
	binary.Write(&img, le, uint64(shoff))
	binary.Write(&img, le, uint32(0)) // e_flags
	binary.Write(&img, le, uint16(64))
	binary.Write(&img, le, uint16(0)) // e_phentsize
	binary.Write(&img, le, uint16(0)) // e_phnum
	binary.Write(&img, le, uint16(64))
	binary.Write(&img, le, uint16(len(b.shdrs)))
	binary.Write(&img, le, uint16(shstrndx))
	require.Equal(t, 64, img.Len())

	img.Write(body)

	for _, sh := range b.shdrs {
		binary.Write(&img, le, sh.name)
		binary.Write(&img, le, sh.typ)
		binary.Write(&img, le, sh.flags)
		binary.Write(&img, le, uint64(0)) // sh_addr
		binary.Write(&img, le, sh.off)
		binary.Write(&img, le, sh.size)
		binary.Write(&img, le, sh.link)
		binary.Write(&img, le, sh.info)
		binary.Write(&img, le, uint64(0)) // sh_addralign
		binary.Write(&img, le, sh.entsize)
	}
	return img.Bytes()
}

func sym64(name uint32, info byte, shndx uint16, value, size uint64) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, name)
	buf.WriteByte(info)
	buf.WriteByte(0)
	binary.Write(&buf, le, shndx)
	binary.Write(&buf, le, value)
	binary.Write(&buf, le, size)
	return buf.Bytes()
}

func rela64(off uint64, sym, kind uint32, addend int64) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	binary.Write(&buf, le, off)
	binary.Write(&buf, le, uint64(sym)<<32|uint64(kind))
	binary.Write(&buf, le, addend)
	return buf.Bytes()
}

// buildTestObject emits an x86-64 object with three functions:
//
//	foo: e8 00 00 00 00            call ext_func  (R_X86_64_PLT32 @ 1)
//	bar: 48 8b 05 00 00 00 00 c3   mov rax,[rip+ext_func]; ret (R_X86_64_PC32 @ 3)
//	baz: 48 8b 0d 00 00 00 00 c3   mov rcx,[rip+a_var]; ret (R_X86_64_PC32 @ 3)
//
// ext_func is undefined; a_var is defined in this object's .data section.
func buildTestObject(t *testing.T) []byte {
	t.Helper()

	text := []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00, 0xc3,
		0x48, 0x8b, 0x0d, 0x00, 0x00, 0x00, 0x00, 0xc3,
	}

	strtab := []byte("\x00foo\x00bar\x00ext_func\x00baz\x00a_var\x00")
	symtab := bytes.Join([][]byte{
		make([]byte, 24), // null symbol
		sym64(1, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 1, 0, 5),
		sym64(5, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 1, 5, 8),
		sym64(9, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_NOTYPE), uint16(elf.SHN_UNDEF), 0, 0),
		sym64(18, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 1, 13, 8),
		sym64(22, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_OBJECT), 2, 0, 4),
	}, nil)
	rela := bytes.Join([][]byte{
		rela64(1, 3, uint32(elf.R_X86_64_PLT32), -4),
		rela64(8, 3, uint32(elf.R_X86_64_PC32), -4),
		rela64(16, 5, uint32(elf.R_X86_64_PC32), -4),
	}, nil)

	var b objBuilder
	b.addName("") // leading NUL
	b.shdrs = append(b.shdrs, shdr{})
	b.addSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, text, 0, 0, 0)
	b.addSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, make([]byte, 4), 0, 0, 0)
	b.addSection(".rela.text", elf.SHT_RELA, 0, rela, 4, 1, 24)
	b.addSection(".symtab", elf.SHT_SYMTAB, 0, symtab, 5, 1, 24)
	b.addSection(".strtab", elf.SHT_STRTAB, 0, strtab, 0, 0, 0)
	return b.bytes(t)
}

func TestNewFile(t *testing.T) {
	o, err := NewFile(bytes.NewReader(buildTestObject(t)))
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, uint16(elf.EM_X86_64), o.Machine())
	assert.False(t, o.BigEndian())

	funcs := o.Functions()
	require.Len(t, funcs, 3)

	foo := funcs[0]
	assert.Equal(t, "foo", foo.Name)
	assert.Equal(t, []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, foo.Bytes)
	assert.Equal(t, []pat.RelocationOccurrence{{Offset: 1, Kind: uint32(elf.R_X86_64_PLT32)}}, foo.Relocations)
	assert.Equal(t, []pat.NameRef{{Name: "ext_func", Offset: 1}}, foo.ExternalRefs)
	assert.Equal(t, []pat.NameRef{{Name: "foo", Offset: 0}}, foo.Publics)

	bar := funcs[1]
	assert.Equal(t, "bar", bar.Name)
	assert.Equal(t, []byte{0x48, 0x8b, 0x05, 0x00, 0x00, 0x00, 0x00, 0xc3}, bar.Bytes)
	assert.Equal(t, []pat.RelocationOccurrence{{Offset: 3, Kind: uint32(elf.R_X86_64_PC32)}}, bar.Relocations)
	assert.Equal(t, []pat.NameRef{{Name: "ext_func", Offset: 3}}, bar.ExternalRefs)

	// a_var is defined in this object, but in .data: still an external
	// reference, since its final address is unknown at signature time
	baz := funcs[2]
	assert.Equal(t, "baz", baz.Name)
	assert.Equal(t, []pat.RelocationOccurrence{{Offset: 3, Kind: uint32(elf.R_X86_64_PC32)}}, baz.Relocations)
	assert.Equal(t, []pat.NameRef{{Name: "a_var", Offset: 3}}, baz.ExternalRefs)
	assert.Equal(t, []pat.NameRef{{Name: "baz", Offset: 0}}, baz.Publics)
}

func TestNewFileRejectsNonRelocatable(t *testing.T) {
	img := buildTestObject(t)
	binary.LittleEndian.PutUint16(img[16:18], uint16(elf.ET_EXEC))
	_, err := NewFile(bytes.NewReader(img))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a relocatable object")
}

func TestObjectThroughEngine(t *testing.T) {
	o, err := NewFile(bytes.NewReader(buildTestObject(t)))
	require.NoError(t, err)
	defer o.Close()

	g := pat.NewGenerator(relocmask.Default(), o.Machine(), o.BigEndian(), 0)
	patterns, diag, err := g.Generate(context.Background(), o.Functions())
	require.NoError(t, err)
	require.Len(t, patterns, 3)
	assert.Empty(t, diag.Skipped())

	var buf bytes.Buffer
	e := pat.NewEmitter(&buf)
	for _, p := range patterns {
		e.Add(p)
	}
	require.NoError(t, e.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "E8"+strings.Repeat("..", 31)+" 00 0000 0005 :0000 foo ^0001 ext_func", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "488B05"))
	assert.True(t, strings.HasPrefix(lines[2], "488B0D"))
	assert.Contains(t, lines[2], "^0003 a_var")
	assert.Equal(t, "---", lines[3])
}

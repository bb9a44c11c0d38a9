package testutils

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	elf64HeaderSize        = 64
	elf64SectionHeaderSize = 64
	elf64SymbolSize        = 24
	elf64RelSize           = 16
)

// ELFBuilder assembles a minimal ELF64 relocatable object in memory.
//
// Tests use it to produce BPF objects without shipping compiled fixtures:
// sections, symbols and relocations are declared programmatically and
// serialized by Bytes.
type ELFBuilder struct {
	// NoSectionNames emits the object with e_shstrndx set to SHN_UNDEF,
	// leaving every section unnamed.
	NoSectionNames bool
	// NoSymbolTable omits the symbol table and its string table.
	NoSymbolTable bool

	order    binary.ByteOrder
	sections []elfSection
	symbols  []elfSymbol
}

type elfSection struct {
	name    string
	typ     elf.SectionType
	data    []byte
	link    uint32
	info    uint32
	entsize uint64
}

type elfSymbol struct {
	name    string
	section int
	value   uint64
}

// RelocEntry is a single Elf64_Rel record: the byte offset being patched and
// the symbol table index it refers to.
type RelocEntry struct {
	Offset uint64
	Symbol int
}

func NewELFBuilder(bo binary.ByteOrder) *ELFBuilder {
	return &ELFBuilder{order: bo}
}

// Section appends a PROGBITS section and returns its section header index.
func (b *ELFBuilder) Section(name string, data []byte) int {
	b.sections = append(b.sections, elfSection{
		name: name,
		typ:  elf.SHT_PROGBITS,
		data: data,
	})
	// The null section occupies index 0.
	return len(b.sections)
}

// Symbol appends a global symbol pointing at value bytes into the given
// section and returns its symbol table index.
func (b *ELFBuilder) Symbol(name string, section int, value uint64) int {
	b.symbols = append(b.symbols, elfSymbol{name, section, value})
	// The null symbol occupies index 0.
	return len(b.symbols)
}

// Reloc appends an SHT_REL section holding the given entries against the
// target section.
func (b *ELFBuilder) Reloc(target int, entries ...RelocEntry) int {
	data := make([]byte, 0, len(entries)*elf64RelSize)
	for _, ent := range entries {
		var rel [elf64RelSize]byte
		b.order.PutUint64(rel[0:8], ent.Offset)
		// R_BPF_64_64 in the low 32 bits, symbol index in the high ones.
		b.order.PutUint64(rel[8:16], uint64(ent.Symbol)<<32|1)
		data = append(data, rel[:]...)
	}

	b.sections = append(b.sections, elfSection{
		name: ".rel" + b.sections[target-1].name,
		typ:  elf.SHT_REL,
		data: data,
		info: uint32(target),
		// link is patched to the symbol table index during Bytes.
		entsize: elf64RelSize,
	})
	return len(b.sections)
}

// Bytes serializes the object.
func (b *ELFBuilder) Bytes() []byte {
	symtabIdx := uint32(len(b.sections) + 1)

	final := make([]elfSection, 0, len(b.sections)+3)
	for _, sec := range b.sections {
		if sec.typ == elf.SHT_REL {
			sec.link = symtabIdx
		}
		final = append(final, sec)
	}

	if !b.NoSymbolTable {
		strtab := []byte{0}
		symtab := make([]byte, elf64SymbolSize) // null symbol
		for _, sym := range b.symbols {
			nameOff := len(strtab)
			strtab = append(strtab, sym.name...)
			strtab = append(strtab, 0)

			var ent [elf64SymbolSize]byte
			b.order.PutUint32(ent[0:4], uint32(nameOff))
			ent[4] = elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT)
			b.order.PutUint16(ent[6:8], uint16(sym.section))
			b.order.PutUint64(ent[8:16], sym.value)
			symtab = append(symtab, ent[:]...)
		}

		final = append(final,
			elfSection{name: ".symtab", typ: elf.SHT_SYMTAB, data: symtab, link: symtabIdx + 1, info: 1, entsize: elf64SymbolSize},
			elfSection{name: ".strtab", typ: elf.SHT_STRTAB, data: strtab},
		)
	}

	// The section name table must be assembled after all other sections have
	// been added, and is patched into its own section below.
	final = append(final, elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB})

	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(final))
	for i, sec := range final {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sec.name...)
		shstrtab = append(shstrtab, 0)
	}
	final[len(final)-1].data = shstrtab

	var buf bytes.Buffer
	buf.Write(make([]byte, elf64HeaderSize))

	pad := func() {
		if n := buf.Len() % 8; n != 0 {
			buf.Write(make([]byte, 8-n))
		}
	}

	offsets := make([]uint64, len(final))
	for i, sec := range final {
		pad()
		offsets[i] = uint64(buf.Len())
		buf.Write(sec.data)
	}

	pad()
	shoff := uint64(buf.Len())

	// Section header table, starting with the null section.
	buf.Write(make([]byte, elf64SectionHeaderSize))
	for i, sec := range final {
		var shdr [elf64SectionHeaderSize]byte
		b.order.PutUint32(shdr[0:4], nameOffsets[i])
		b.order.PutUint32(shdr[4:8], uint32(sec.typ))
		b.order.PutUint64(shdr[8:16], uint64(elf.SHF_ALLOC))
		b.order.PutUint64(shdr[24:32], offsets[i])
		b.order.PutUint64(shdr[32:40], uint64(len(sec.data)))
		b.order.PutUint32(shdr[40:44], sec.link)
		b.order.PutUint32(shdr[44:48], sec.info)
		b.order.PutUint64(shdr[48:56], 1) // sh_addralign
		b.order.PutUint64(shdr[56:64], sec.entsize)
		buf.Write(shdr[:])
	}

	out := buf.Bytes()

	// ELF identification.
	copy(out[0:4], elf.ELFMAG)
	out[4] = byte(elf.ELFCLASS64)
	out[5] = byte(elf.ELFDATA2LSB)
	if b.order == binary.BigEndian {
		out[5] = byte(elf.ELFDATA2MSB)
	}
	out[6] = byte(elf.EV_CURRENT)

	b.order.PutUint16(out[16:18], uint16(elf.ET_REL))
	b.order.PutUint16(out[18:20], uint16(elf.EM_BPF))
	b.order.PutUint32(out[20:24], uint32(elf.EV_CURRENT))
	b.order.PutUint64(out[40:48], shoff)
	b.order.PutUint16(out[52:54], elf64HeaderSize)
	b.order.PutUint16(out[58:60], elf64SectionHeaderSize)
	b.order.PutUint16(out[60:62], uint16(len(final)+1))
	if !b.NoSectionNames {
		b.order.PutUint16(out[62:64], uint16(len(final)))
	}

	return out
}

package redbpf

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mockersf/redbpf/asm"
	"github.com/mockersf/redbpf/internal"
)

// bpfMapDefSize is the size of a map definition record in an object file:
// five u32 fields, packed.
const bpfMapDefSize = 20

// MapSpec is a map definition extracted from an object file.
type MapSpec struct {
	// Name is the symbol the program source declared the map under.
	Name       string
	Type       MapType
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

func (ms *MapSpec) String() string {
	return fmt.Sprintf("%s(keySize=%d, valueSize=%d, maxEntries=%d, flags=%d)", ms.Type, ms.KeySize, ms.ValueSize, ms.MaxEntries, ms.Flags)
}

// Copy returns a copy of the spec.
func (ms *MapSpec) Copy() *MapSpec {
	if ms == nil {
		return nil
	}

	cpy := *ms
	return &cpy
}

// ProgramSpec is a program extracted from an object file, ready to be
// loaded into the kernel.
type ProgramSpec struct {
	// Name of the program, the section name with the hook prefix removed.
	Name string
	// Hook the program was written for, derived from its section prefix.
	Hook Hook
	// License of the program, shared by all programs of an object.
	License string
	// KernelVersion the program was compiled against. May hold
	// internal.MagicKernelVersion, which is replaced by the running
	// kernel's version at load time.
	KernelVersion uint32
	Instructions  asm.Instructions
}

// Copy returns a copy of the spec, including its instructions.
func (ps *ProgramSpec) Copy() *ProgramSpec {
	if ps == nil {
		return nil
	}

	cpy := *ps
	cpy.Instructions = make(asm.Instructions, len(ps.Instructions))
	copy(cpy.Instructions, ps.Instructions)
	return &cpy
}

// ModuleSpec is the parsed form of an object file: all map definitions and
// programs it declares, keyed by name.
//
// A spec is inert. Nothing is loaded into the kernel until it is passed to
// NewModule.
type ModuleSpec struct {
	Maps     map[string]*MapSpec
	Programs map[string]*ProgramSpec
}

// Copy returns a deep copy of the spec.
func (ms *ModuleSpec) Copy() *ModuleSpec {
	if ms == nil {
		return nil
	}

	cpy := ModuleSpec{
		Maps:     make(map[string]*MapSpec, len(ms.Maps)),
		Programs: make(map[string]*ProgramSpec, len(ms.Programs)),
	}

	for name, spec := range ms.Maps {
		cpy.Maps[name] = spec.Copy()
	}

	for name, spec := range ms.Programs {
		cpy.Programs[name] = spec.Copy()
	}

	return &cpy
}

// LoadSpec parses an object file.
func LoadSpec(path string) (*ModuleSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	spec, err := LoadSpecFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("file %s: %w", path, err)
	}
	return spec, nil
}

type elfCode struct {
	*internal.SafeELFFile
	license string
	version uint32
	symbols []elf.Symbol
}

// LoadSpecFromReader parses an in-memory object file.
//
// It returns ErrMalformedObject, ErrTruncatedObject or
// ErrMissingStringTable (wrapped with context) when the object can't be
// interpreted.
func LoadSpecFromReader(rd io.ReaderAt) (*ModuleSpec, error) {
	var ident [16]byte
	if n, _ := rd.ReadAt(ident[:], 0); n < len(ident) {
		return nil, fmt.Errorf("object shorter than an ELF header: %w", ErrMalformedObject)
	}

	if string(ident[:4]) != elf.ELFMAG {
		return nil, fmt.Errorf("invalid ELF magic: %w", ErrMalformedObject)
	}

	if c := elf.Class(ident[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %s: %w", c, ErrMalformedObject)
	}

	if d := elf.Data(ident[elf.EI_DATA]); d != elf.ELFDATA2LSB && d != elf.ELFDATA2MSB {
		return nil, fmt.Errorf("unsupported ELF data encoding %s: %w", d, ErrMalformedObject)
	}

	f, err := internal.NewSafeELFFile(rd)
	if err != nil {
		// The identification bytes were valid, so whatever debug/elf choked
		// on was a table or section reaching past the end of the buffer.
		return nil, fmt.Errorf("parse object: %s: %w", err, ErrTruncatedObject)
	}
	defer f.Close()

	if f.Type != elf.ET_REL {
		return nil, fmt.Errorf("object type %s is not a relocatable object: %w", f.Type, ErrMalformedObject)
	}

	if err := checkSectionNames(f); err != nil {
		return nil, err
	}

	ec := &elfCode{SafeELFFile: f}

	ec.symbols, err = f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("load symbols: %s: %w", err, ErrTruncatedObject)
	}

	// Collect the sections we care about. Relocation sections are keyed by
	// the section they apply to.
	type namedSection struct {
		idx elf.SectionIndex
		sec *elf.Section
	}
	var (
		mapSections  []namedSection
		progSections []namedSection
		relSections  = make(map[elf.SectionIndex]*elf.Section)
	)

	for i, sec := range f.Sections {
		idx := elf.SectionIndex(i)

		switch {
		case sec.Name == "license":
			data, err := sectionData(sec)
			if err != nil {
				return nil, err
			}
			ec.license = internal.CString(data)

		case sec.Name == "version":
			data, err := sectionData(sec)
			if err != nil {
				return nil, err
			}
			if len(data) < 4 {
				return nil, fmt.Errorf("section version: too short: %w", ErrMalformedObject)
			}
			ec.version = f.ByteOrder.Uint32(data)

		case sec.Name == "maps" || strings.HasPrefix(sec.Name, "maps/"):
			mapSections = append(mapSections, namedSection{idx, sec})

		case sec.Type == elf.SHT_REL:
			if int(sec.Info) >= len(f.Sections) {
				return nil, fmt.Errorf("section %s: relocation target %d is out of range: %w", sec.Name, sec.Info, ErrMalformedObject)
			}
			relSections[elf.SectionIndex(sec.Info)] = sec

		default:
			if hook, _ := matchSectionName(sec.Name); hook != UnspecifiedHook {
				progSections = append(progSections, namedSection{idx, sec})
			}
		}
	}

	maps := make(map[string]*MapSpec)
	for _, ns := range mapSections {
		if err := ec.loadMaps(maps, ns.idx, ns.sec); err != nil {
			return nil, fmt.Errorf("section %s: %w", ns.sec.Name, err)
		}
	}

	programs := make(map[string]*ProgramSpec)
	for _, ns := range progSections {
		prog, err := ec.loadProgram(ns.sec, relSections[ns.idx])
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", ns.sec.Name, err)
		}

		if _, ok := programs[prog.Name]; ok {
			return nil, fmt.Errorf("section %s: duplicate program name %s: %w", ns.sec.Name, prog.Name, ErrMalformedObject)
		}
		programs[prog.Name] = prog
	}

	return &ModuleSpec{Maps: maps, Programs: programs}, nil
}

// checkSectionNames guards against objects built without a section name
// table: debug/elf silently leaves all names empty in that case, which
// would make every section unrecognizable.
func checkSectionNames(f *internal.SafeELFFile) error {
	if len(f.Sections) <= 1 {
		return fmt.Errorf("object has no sections: %w", ErrMalformedObject)
	}

	for _, sec := range f.Sections[1:] {
		if sec.Name != "" {
			return nil
		}
	}

	return fmt.Errorf("section names are unresolvable: %w", ErrMissingStringTable)
}

func sectionData(sec *elf.Section) ([]byte, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("section %s: read data: %s: %w", sec.Name, err, ErrTruncatedObject)
	}
	return data, nil
}

// symbolsInSection returns the names of symbols in the given section,
// keyed by their offset within it.
func (ec *elfCode) symbolsInSection(idx elf.SectionIndex) map[uint64]string {
	offsets := make(map[uint64]string)
	for _, sym := range ec.symbols {
		if elf.SectionIndex(sym.Section) != idx {
			continue
		}
		offsets[sym.Value] = sym.Name
	}
	return offsets
}

// loadMaps decodes the map definitions of a single maps section.
//
// The section named "maps" packs any number of definitions, named by the
// symbols pointing at them. A section named "maps/<name>" holds exactly one
// definition named by its suffix.
func (ec *elfCode) loadMaps(maps map[string]*MapSpec, idx elf.SectionIndex, sec *elf.Section) error {
	data, err := sectionData(sec)
	if err != nil {
		return err
	}

	if len(data)%bpfMapDefSize != 0 {
		return fmt.Errorf("map definitions are %d bytes, section size %d is not a multiple: %w", bpfMapDefSize, len(data), ErrMalformedObject)
	}

	names := make(map[uint64]string)
	switch {
	case sec.Name == "maps":
		if ec.symbols == nil {
			return fmt.Errorf("maps are named by symbols, but the object has no symbol table: %w", ErrMissingStringTable)
		}
		names = ec.symbolsInSection(idx)

	default:
		name := strings.TrimPrefix(sec.Name, "maps/")
		if name == "" {
			return fmt.Errorf("missing map name after maps/ prefix: %w", ErrMalformedObject)
		}
		if len(data) != bpfMapDefSize {
			return fmt.Errorf("expected a single map definition: %w", ErrMalformedObject)
		}
		names[0] = name
	}

	bo := ec.ByteOrder
	for off := uint64(0); off < uint64(len(data)); off += bpfMapDefSize {
		name, ok := names[off]
		if !ok || name == "" {
			return fmt.Errorf("map definition at offset %d has no symbol: %w", off, ErrMalformedObject)
		}

		if _, ok := maps[name]; ok {
			return fmt.Errorf("duplicate map name %s: %w", name, ErrMalformedObject)
		}

		def := data[off : off+bpfMapDefSize]
		maps[name] = &MapSpec{
			Name:       name,
			Type:       MapType(bo.Uint32(def[0:4])),
			KeySize:    bo.Uint32(def[4:8]),
			ValueSize:  bo.Uint32(def[8:12]),
			MaxEntries: bo.Uint32(def[12:16]),
			Flags:      bo.Uint32(def[16:20]),
		}
	}

	return nil
}

// loadProgram decodes the instruction stream of a program section and
// records the map references of its relocation entries.
func (ec *elfCode) loadProgram(sec *elf.Section, rels *elf.Section) (*ProgramSpec, error) {
	hook, name := matchSectionName(sec.Name)
	if name == "" {
		return nil, fmt.Errorf("missing program name after %s/ prefix: %w", hook, ErrMalformedObject)
	}

	data, err := sectionData(sec)
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("program %s: no instructions: %w", name, ErrMalformedObject)
	}

	var insns asm.Instructions
	offsets, err := insns.Unmarshal(bytes.NewReader(data), ec.ByteOrder)
	if err != nil {
		return nil, fmt.Errorf("program %s: %s: %w", name, err, ErrMalformedObject)
	}
	insns[0] = insns[0].Sym(name)

	if rels != nil {
		if err := ec.applyRelocations(insns, offsets, rels); err != nil {
			return nil, fmt.Errorf("program %s: %w", name, err)
		}
	}

	return &ProgramSpec{
		Name:          name,
		Hook:          hook,
		License:       ec.license,
		KernelVersion: ec.version,
		Instructions:  insns,
	}, nil
}

// applyRelocations marks the instructions targeted by relocation entries
// with the name of the map symbol they refer to. The file descriptors are
// patched in by the linker once the maps exist.
func (ec *elfCode) applyRelocations(insns asm.Instructions, offsets map[uint64]int, sec *elf.Section) error {
	if ec.symbols == nil {
		return fmt.Errorf("object has relocations but no symbol table: %w", ErrMissingStringTable)
	}

	data, err := sectionData(sec)
	if err != nil {
		return err
	}

	// Elf64_Rel is two 64-bit words: the offset being patched and the
	// symbol/type info.
	const relSize = 16
	if len(data)%relSize != 0 {
		return fmt.Errorf("relocation section size %d is not a multiple of %d: %w", len(data), relSize, ErrMalformedObject)
	}

	bo := ec.ByteOrder
	for off := 0; off < len(data); off += relSize {
		rel := elf.Rel64{
			Off:  bo.Uint64(data[off : off+8]),
			Info: bo.Uint64(data[off+8 : off+16]),
		}

		symNo := int(elf.R_SYM64(rel.Info))
		// Symbols() omits the null symbol at index 0.
		if symNo == 0 || symNo > len(ec.symbols) {
			return fmt.Errorf("relocation %d: symbol %d is out of range: %w", off/relSize, symNo, ErrMalformedObject)
		}
		sym := ec.symbols[symNo-1]
		if sym.Name == "" {
			return fmt.Errorf("relocation %d: symbol %d has no name: %w", off/relSize, symNo, ErrMalformedObject)
		}

		idx, ok := offsets[rel.Off]
		if !ok {
			return fmt.Errorf("relocation against %s: offset %#x is not an instruction boundary: %w", sym.Name, rel.Off, ErrMalformedObject)
		}

		ins := &insns[idx]
		if ins.OpCode != asm.LoadImmOp(asm.DWord) {
			return fmt.Errorf("relocation against %s: instruction at %#x is not a 64-bit immediate load: %w", sym.Name, rel.Off, ErrMalformedObject)
		}

		ins.Reference = sym.Name
	}

	return nil
}

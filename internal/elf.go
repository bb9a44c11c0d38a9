package internal

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

type SafeELFFile struct {
	*elf.File
}

// NewSafeELFFile reads an ELF safely.
//
// Any panic during parsing is turned into an error. This is necessary since
// there are a bunch of unfixed bugs in debug/elf.
//
// https://github.com/golang/go/issues?q=is%3Aissue+is%3Aopen+debug%2Felf+in%3Atitle
func NewSafeELFFile(r io.ReaderAt) (safe *SafeELFFile, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		safe = nil
		err = fmt.Errorf("reading ELF file panicked: %s", r)
	}()

	file, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}

	return &SafeELFFile{file}, nil
}

// Symbols is the safe version of elf.File.Symbols.
func (se *SafeELFFile) Symbols() (syms []elf.Symbol, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		syms = nil
		err = fmt.Errorf("reading ELF symbols panicked: %s", r)
	}()

	syms, err = se.File.Symbols()
	return
}

// DynamicSymbols is the safe version of elf.File.DynamicSymbols.
func (se *SafeELFFile) DynamicSymbols() (syms []elf.Symbol, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		syms = nil
		err = fmt.Errorf("reading ELF dynamic symbols panicked: %s", r)
	}()

	syms, err = se.File.DynamicSymbols()
	return
}

// SymbolsCache caches the symbol tables of executables, keyed by path.
//
// It is used to resolve symbol names to file offsets when attaching uprobes.
type SymbolsCache struct {
	mu    sync.Mutex
	cache map[string]map[string]uint64
}

func NewSymbolsCache() *SymbolsCache {
	return &SymbolsCache{
		cache: make(map[string]map[string]uint64),
	}
}

// Offset returns the file offset of a function symbol in the executable or
// library at path.
func (sc *SymbolsCache) Offset(path, symbol string) (uint64, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	syms, ok := sc.cache[path]
	if !ok {
		var err error
		syms, err = readSymbols(path)
		if err != nil {
			return 0, err
		}
		sc.cache[path] = syms
	}

	off, ok := syms[symbol]
	if !ok {
		return 0, fmt.Errorf("symbol %q not found in %s: %w", symbol, path, os.ErrNotExist)
	}

	return off, nil
}

func readSymbols(path string) (map[string]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbols cache: %w", err)
	}
	defer f.Close()

	se, err := NewSafeELFFile(f)
	if err != nil {
		return nil, fmt.Errorf("symbols cache: parse ELF file: %w", err)
	}

	// Static binaries only carry .symtab, stripped dynamic libraries
	// only .dynsym. Consult both.
	syms, err := se.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	dynsyms, err := se.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	out := make(map[string]uint64, len(syms)+len(dynsyms))
	for _, sym := range append(syms, dynsyms...) {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 {
			continue
		}

		// Symbol values are virtual addresses. The uprobe interface wants
		// the offset of the instruction within the file, so translate the
		// address through the executable segment that maps it.
		offset := sym.Value
		for _, prog := range se.Progs {
			if prog.Type != elf.PT_LOAD || (prog.Flags&elf.PF_X) == 0 {
				continue
			}
			if prog.Vaddr <= sym.Value && sym.Value < (prog.Vaddr+prog.Memsz) {
				offset = sym.Value - prog.Vaddr + prog.Off
				break
			}
		}

		out[sym.Name] = offset
	}

	return out, nil
}

package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mockersf/redbpf"
	"github.com/mockersf/redbpf/asm"
	"github.com/mockersf/redbpf/internal/testutils"
)

// buildTestObject writes an object file with one map and one kprobe
// program referencing it.
func buildTestObject(t *testing.T) string {
	t.Helper()

	bo := binary.LittleEndian
	b := testutils.NewELFBuilder(bo)

	b.Section("license", []byte("GPL\x00"))

	def := make([]byte, 20)
	bo.PutUint32(def[0:4], uint32(redbpf.Hash))
	bo.PutUint32(def[4:8], 4)
	bo.PutUint32(def[8:12], 8)
	bo.PutUint32(def[12:16], 128)
	mapsSec := b.Section("maps", def)
	counts := b.Symbol("counts", mapsSec, 0)

	var insns bytes.Buffer
	err := asm.Instructions{
		asm.LoadImm(asm.R1, 0, asm.DWord),
		asm.MovImm(asm.R0, 0),
		asm.Return(),
	}.Marshal(&insns, bo)
	qt.Assert(t, qt.IsNil(err))

	prog := b.Section("kprobe/sys_clone", insns.Bytes())
	b.Reloc(prog, testutils.RelocEntry{Offset: 0, Symbol: counts})

	path := filepath.Join(t.TempDir(), "probe.o")
	qt.Assert(t, qt.IsNil(os.WriteFile(path, b.Bytes(), 0o644)))
	return path
}

func TestDumpCommand(t *testing.T) {
	path := buildTestObject(t)

	var out bytes.Buffer
	cmd := newDumpCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{path})
	qt.Assert(t, qt.IsNil(cmd.Execute()))

	for _, want := range []string{
		"counts:",
		"Hash",
		"sys_clone:",
		"kprobe",
		"GPL",
		"<counts>",
	} {
		qt.Assert(t, qt.StringContains(out.String(), want), qt.Commentf("output:\n%s", out.String()))
	}
}

func TestDumpCommandMissingFile(t *testing.T) {
	cmd := newDumpCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing.o")})
	qt.Assert(t, qt.IsNotNil(cmd.Execute()))
}

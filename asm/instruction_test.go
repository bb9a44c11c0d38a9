package asm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-quicktest/qt"
)

func TestInstructionMarshal(t *testing.T) {
	insns := Instructions{
		LoadMapFD(R1, 123),
		MovImm(R0, 0),
		Return(),
	}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(insns.Marshal(&buf, binary.LittleEndian)))

	// The map load occupies two encoded instructions.
	qt.Assert(t, qt.Equals(buf.Len(), 4*InstructionSize))
	qt.Assert(t, qt.Equals(insns.MarshaledSize(), buf.Len()))

	raw := buf.Bytes()
	qt.Assert(t, qt.Equals(raw[0], byte(LoadImmOp(DWord))))
	qt.Assert(t, qt.Equals(raw[1], byte(newBPFRegisters(R1, PseudoMapFD))))
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint32(raw[4:8]), uint32(123)))

	// Second half of the wide encoding must be zero except for the
	// high 32 bits of the immediate.
	qt.Assert(t, qt.DeepEquals(raw[8:16], make([]byte, 8)))
}

func TestInstructionMarshalWideImmediate(t *testing.T) {
	insns := Instructions{
		LoadImm(R0, 0x1122334455667788, DWord),
	}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(insns.Marshal(&buf, binary.LittleEndian)))

	raw := buf.Bytes()
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint32(raw[4:8]), uint32(0x55667788)))
	qt.Assert(t, qt.Equals(binary.LittleEndian.Uint32(raw[12:16]), uint32(0x11223344)))
}

func TestInstructionUnmarshal(t *testing.T) {
	want := Instructions{
		LoadMapFD(R1, 42),
		MovImm(R0, -1),
		Return(),
	}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(want.Marshal(&buf, binary.LittleEndian)))

	var got Instructions
	offsets, err := got.Unmarshal(&buf, binary.LittleEndian)
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.DeepEquals(got, want))

	// Offsets are keyed by the position of the raw encoding, so the
	// instruction after a wide load sits two slots further.
	qt.Assert(t, qt.DeepEquals(offsets, map[uint64]int{
		0:  0,
		16: 1,
		24: 2,
	}))
}

func TestInstructionUnmarshalTruncated(t *testing.T) {
	insns := Instructions{LoadMapFD(R1, 42)}

	var buf bytes.Buffer
	qt.Assert(t, qt.IsNil(insns.Marshal(&buf, binary.LittleEndian)))

	// Drop the second half of the wide encoding.
	var got Instructions
	_, err := got.Unmarshal(bytes.NewReader(buf.Bytes()[:InstructionSize]), binary.LittleEndian)
	qt.Assert(t, qt.IsNotNil(err))
}

func TestRewriteMapFD(t *testing.T) {
	ins := LoadMapFD(R1, 0)

	qt.Assert(t, qt.IsNil(ins.RewriteMapFD(7)))
	qt.Assert(t, qt.Equals(ins.Src, PseudoMapFD))
	qt.Assert(t, qt.Equals(ins.Constant, int64(7)))
	qt.Assert(t, qt.Equals(ins.MapFD(), 7))

	// Rewriting is idempotent.
	qt.Assert(t, qt.IsNil(ins.RewriteMapFD(7)))
	qt.Assert(t, qt.Equals(ins.Constant, int64(7)))

	ret := Return()
	qt.Assert(t, qt.IsNotNil(ret.RewriteMapFD(7)))

	qt.Assert(t, qt.IsNotNil(ins.RewriteMapFD(-1)))
}

func TestInstructionsName(t *testing.T) {
	insns := Instructions{
		MovImm(R0, 0).Sym("exit_zero"),
		Return(),
	}

	qt.Assert(t, qt.Equals(insns.Name(), "exit_zero"))
	qt.Assert(t, qt.Equals(Instructions(nil).Name(), ""))
}

func TestReferenceOffsets(t *testing.T) {
	insns := Instructions{
		LoadMapFD(R1, 0).Ref("events"),
		MovImm(R0, 0),
		LoadMapFD(R2, 0).Ref("events"),
		LoadMapFD(R3, 0).Ref("counts"),
		Return(),
	}

	qt.Assert(t, qt.DeepEquals(insns.ReferenceOffsets(), map[string][]int{
		"events": {0, 2},
		"counts": {3},
	}))
}

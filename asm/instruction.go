package asm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// InstructionSize is the size of a BPF instruction in bytes
const InstructionSize = 8

// Instruction is a single eBPF instruction.
type Instruction struct {
	OpCode   OpCode
	Dst      Register
	Src      Register
	Offset   int16
	Constant int64

	// Reference is the name of a symbol the instruction must be patched
	// with before it can be loaded, e.g. the map whose file descriptor
	// the immediate should carry.
	Reference string

	// Symbol is the name of the function starting at this instruction.
	Symbol string
}

// Sym creates a symbol.
func (ins Instruction) Sym(name string) Instruction {
	ins.Symbol = name
	return ins
}

// Ref marks the instruction as referencing a named symbol.
func (ins Instruction) Ref(name string) Instruction {
	ins.Reference = name
	return ins
}

// RewriteMapFD changes the map file descriptor embedded in a 64-bit
// immediate load.
//
// Rewriting is idempotent: applying the same fd twice results in the
// same encoding.
func (ins *Instruction) RewriteMapFD(fd int) error {
	if !ins.OpCode.isDWordLoad() {
		return fmt.Errorf("%v is not a 64 bit load", ins.OpCode)
	}
	if fd < 0 {
		return errors.New("invalid fd")
	}

	ins.Src = PseudoMapFD
	ins.Constant = int64(fd)
	return nil
}

// IsLoadFromMap returns true if the instruction carries a map file
// descriptor in its immediate.
func (ins *Instruction) IsLoadFromMap() bool {
	return ins.OpCode.isDWordLoad() && ins.Src == PseudoMapFD
}

// MapFD returns the map file descriptor of a load from map instruction,
// or -1 if the instruction is not a load from a map.
func (ins *Instruction) MapFD() int {
	if !ins.IsLoadFromMap() {
		return -1
	}
	return int(int32(ins.Constant))
}

func (ins Instruction) String() string {
	if ins.OpCode == InvalidOpCode {
		return "INVALID"
	}

	s := fmt.Sprintf("%v dst: %s src: %s off: %d imm: %d",
		ins.OpCode, ins.Dst, ins.Src, ins.Offset, ins.Constant)
	if ins.Reference != "" {
		s += fmt.Sprintf(" <%s>", ins.Reference)
	}
	return s
}

// Instructions is an eBPF program.
type Instructions []Instruction

// Name returns the name of the function insns belongs to, if any.
func (insns Instructions) Name() string {
	if len(insns) == 0 {
		return ""
	}
	return insns[0].Symbol
}

// ReferenceOffsets returns the indices of instructions which reference
// a symbol, keyed by symbol name.
func (insns Instructions) ReferenceOffsets() map[string][]int {
	offsets := make(map[string][]int)

	for i, ins := range insns {
		if ins.Reference == "" {
			continue
		}

		offsets[ins.Reference] = append(offsets[ins.Reference], i)
	}

	return offsets
}

// Marshal encodes a BPF program into the kernel format.
func (insns Instructions) Marshal(w io.Writer, bo binary.ByteOrder) error {
	for i, ins := range insns {
		if ins.OpCode == InvalidOpCode {
			return fmt.Errorf("invalid operation at position %d", i)
		}

		isDWordLoad := ins.OpCode.isDWordLoad()

		cons := int32(ins.Constant)
		if isDWordLoad {
			// Encode least significant 32bit first for 64bit operations.
			cons = int32(uint32(ins.Constant))
		}

		bpfi := bpfInstruction{
			ins.OpCode,
			newBPFRegisters(ins.Dst, ins.Src),
			ins.Offset,
			cons,
		}

		if err := binary.Write(w, bo, &bpfi); err != nil {
			return err
		}

		if !isDWordLoad {
			continue
		}

		bpfi = bpfInstruction{
			Constant: int32(ins.Constant >> 32),
		}

		if err := binary.Write(w, bo, &bpfi); err != nil {
			return err
		}
	}
	return nil
}

// MarshaledSize returns the size of the program in kernel format, in bytes.
func (insns Instructions) MarshaledSize() int {
	size := 0
	for _, ins := range insns {
		size += ins.OpCode.marshalledInstructions() * InstructionSize
	}
	return size
}

// Unmarshal decodes a BPF program from the kernel format.
//
// A 64-bit immediate load occupies two encoded instructions, so decoded
// indices drift from encoded offsets. The returned map associates the
// byte offset of each encoded instruction with its index in the decoded
// slice; relocations are expressed against byte offsets and need it to
// find their target.
func (insns *Instructions) Unmarshal(r io.Reader, bo binary.ByteOrder) (map[uint64]int, error) {
	*insns = nil

	var (
		offsets = make(map[uint64]int)
		offset  uint64
	)
	for {
		var ins bpfInstruction
		err := binary.Read(r, bo, &ins)
		if err == io.EOF {
			return offsets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("invalid instruction at offset %#x", offset)
		}

		offsets[offset] = len(*insns)

		requiredInsns := ins.OpCode.marshalledInstructions()

		cons := int64(ins.Constant)
		if requiredInsns == 2 {
			var ins2 bpfInstruction
			if err := binary.Read(r, bo, &ins2); err != nil {
				return nil, fmt.Errorf("truncated 64bit immediate at offset %#x", offset)
			}
			if ins2.OpCode != 0 || ins2.Offset != 0 || ins2.Registers != 0 {
				return nil, fmt.Errorf("instruction at offset %#x: 64bit immediate has non-zero fields", offset)
			}
			cons = int64(uint64(uint32(ins2.Constant))<<32 | uint64(uint32(ins.Constant)))
		}

		*insns = append(*insns, Instruction{
			OpCode:   ins.OpCode,
			Dst:      ins.Registers.Dst(),
			Src:      ins.Registers.Src(),
			Offset:   ins.Offset,
			Constant: cons,
		})

		offset += uint64(requiredInsns) * InstructionSize
	}
}

// bpfInstruction is a raw BPF instruction, in the layout the kernel
// expects.
type bpfInstruction struct {
	OpCode    OpCode
	Registers bpfRegisters
	Offset    int16
	Constant  int32
}

// LoadImmOp returns the OpCode to load an immediate of the given size.
func LoadImmOp(size Size) OpCode {
	return OpCode(LdClass).SetMode(ImmMode).SetSize(size)
}

// LoadImm emits `dst = (size)value`.
func LoadImm(dst Register, value int64, size Size) Instruction {
	return Instruction{
		OpCode:   LoadImmOp(size),
		Dst:      dst,
		Constant: value,
	}
}

// LoadMapFD loads a map by its file descriptor.
func LoadMapFD(dst Register, fd int) Instruction {
	return Instruction{
		OpCode:   LoadImmOp(DWord),
		Dst:      dst,
		Src:      PseudoMapFD,
		Constant: int64(fd),
	}
}

// MovImm emits `dst = value`.
func MovImm(dst Register, value int32) Instruction {
	return Instruction{
		OpCode:   OpCode(ALU64Class) | OpCode(ImmSource) | OpCode(Mov),
		Dst:      dst,
		Constant: int64(value),
	}
}

// MovReg emits `dst = src`.
func MovReg(dst, src Register) Instruction {
	return Instruction{
		OpCode: OpCode(ALU64Class) | OpCode(RegSource) | OpCode(Mov),
		Dst:    dst,
		Src:    src,
	}
}

// AddImm emits `dst += value`.
func AddImm(dst Register, value int32) Instruction {
	return Instruction{
		OpCode:   OpCode(ALU64Class) | OpCode(ImmSource) | OpCode(Add),
		Dst:      dst,
		Constant: int64(value),
	}
}

// StoreMem emits `*(size *)(dst + offset) = src`.
func StoreMem(dst Register, offset int16, src Register, size Size) Instruction {
	return Instruction{
		OpCode: OpCode(StXClass).SetMode(MemMode).SetSize(size),
		Dst:    dst,
		Src:    src,
		Offset: offset,
	}
}

// LoadMem emits `dst = *(size *)(src + offset)`.
func LoadMem(dst Register, src Register, offset int16, size Size) Instruction {
	return Instruction{
		OpCode: OpCode(LdXClass).SetMode(MemMode).SetSize(size),
		Dst:    dst,
		Src:    src,
		Offset: offset,
	}
}

// JEqImm emits `if dst == value goto +offset`.
func JEqImm(dst Register, value int32, offset int16) Instruction {
	return Instruction{
		OpCode:   OpCode(JumpClass) | OpCode(ImmSource) | OpCode(JEq),
		Dst:      dst,
		Offset:   offset,
		Constant: int64(value),
	}
}

// Return emits an exit instruction.
//
// Requires a return value in R0.
func Return() Instruction {
	return Instruction{
		OpCode: OpCode(JumpClass) | OpCode(Exit),
	}
}

package asm

import "fmt"

// BuiltinFunc is a built-in eBPF function.
type BuiltinFunc int32

// eBPF built-in functions
//
// Only the helpers commonly called from probe programs are listed. The
// full set lives in the kernel's uapi/linux/bpf.h.
const (
	FnMapLookupElem     BuiltinFunc = 1
	FnMapUpdateElem     BuiltinFunc = 2
	FnMapDeleteElem     BuiltinFunc = 3
	FnKtimeGetNs        BuiltinFunc = 5
	FnGetSmpProcessorId BuiltinFunc = 8
	FnGetCurrentPidTgid BuiltinFunc = 14
	FnGetCurrentComm    BuiltinFunc = 16
	FnPerfEventOutput   BuiltinFunc = 25
)

// Call emits a function call.
func (fn BuiltinFunc) Call() Instruction {
	return Instruction{
		OpCode:   OpCode(JumpClass) | OpCode(Call),
		Constant: int64(fn),
	}
}

func (fn BuiltinFunc) String() string {
	switch fn {
	case FnMapLookupElem:
		return "MapLookupElem"
	case FnMapUpdateElem:
		return "MapUpdateElem"
	case FnMapDeleteElem:
		return "MapDeleteElem"
	case FnKtimeGetNs:
		return "KtimeGetNs"
	case FnGetSmpProcessorId:
		return "GetSmpProcessorId"
	case FnGetCurrentPidTgid:
		return "GetCurrentPidTgid"
	case FnGetCurrentComm:
		return "GetCurrentComm"
	case FnPerfEventOutput:
		return "PerfEventOutput"
	default:
		return fmt.Sprintf("BuiltinFunc(%d)", int32(fn))
	}
}

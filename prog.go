package redbpf

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/asm"
	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/sys"
)

const (
	// Initial size of the verifier log buffer. Grown fourfold on every
	// retry that overflows it.
	minVerifierLogSize = 64 * 1024
	// The kernel caps log_size at a bit under 4 GiB, but allocating
	// gigabytes for a log is absurd. Give up after 1 GiB.
	maxVerifierLogSize = 1 << 30
)

// Program is a handle to a program loaded into the kernel.
//
// It stays loaded for as long as the handle (or an attachment made from
// it) is open, independently of the Module that created it.
type Program struct {
	name string
	hook Hook
	fd   *sys.FD
}

// loadProgram verifies and loads a single program into the kernel.
//
// Map references must have been resolved beforehand.
func loadProgram(spec *ProgramSpec) (*Program, error) {
	if len(spec.Instructions) == 0 {
		return nil, fmt.Errorf("program %s: no instructions", spec.Name)
	}

	if spec.License == "" {
		return nil, fmt.Errorf("program %s: missing license", spec.Name)
	}

	kv := spec.KernelVersion
	if kv == internal.MagicKernelVersion {
		// The object requests the version of the running kernel, which
		// kprobe programs must match on kernels that check it.
		v, err := internal.KernelVersion()
		if err != nil {
			return nil, fmt.Errorf("program %s: detect kernel version: %w", spec.Name, err)
		}
		kv = v.Kernel()
	}

	buf := bytes.NewBuffer(make([]byte, 0, spec.Instructions.MarshaledSize()))
	if err := spec.Instructions.Marshal(buf, internal.NativeEndian); err != nil {
		return nil, fmt.Errorf("program %s: %w", spec.Name, err)
	}
	bytecode := buf.Bytes()

	attr := sys.ProgLoadAttr{
		ProgType:    uint32(spec.Hook.ProgramType()),
		InsnCnt:     uint32(len(bytecode) / asm.InstructionSize),
		Insns:       sys.NewSlicePointer(bytecode),
		License:     sys.NewStringPointer(spec.License),
		KernVersion: kv,
		ProgName:    sys.NewObjName(spec.Name),
	}

	fd, err := sys.ProgLoad(&attr)
	if err == nil {
		return &Program{spec.Name, spec.Hook, fd}, nil
	}

	// The kernel only writes the verifier log when a buffer is supplied,
	// and fails the load with ENOSPC when the buffer is too small. Retry
	// with growing buffers until the log fits.
	var logBuf []byte
	for logSize := minVerifierLogSize; logSize <= maxVerifierLogSize; logSize *= 4 {
		logBuf = make([]byte, logSize)
		attr.LogLevel = 1
		attr.LogSize = uint32(logSize)
		attr.LogBuf = sys.NewSlicePointer(logBuf)

		fd, err = sys.ProgLoad(&attr)
		if err == nil {
			return &Program{spec.Name, spec.Hook, fd}, nil
		}

		if errors.Is(err, unix.ENOSPC) {
			continue
		}
		break
	}

	return nil, newVerifierError(spec.Name, wrapSyscallError("prog load", err), logBuf)
}

func (p *Program) String() string {
	return fmt.Sprintf("%s(%s)#%v", p.hook, p.name, p.fd)
}

// Name of the program. Derived from the symbol naming its instructions in
// the object file.
func (p *Program) Name() string {
	return p.name
}

// Hook the program was written for.
func (p *Program) Hook() Hook {
	return p.hook
}

// Type of the program.
func (p *Program) Type() ProgramType {
	return p.hook.ProgramType()
}

// FD returns the file descriptor of the program, or -1 after Close.
func (p *Program) FD() int {
	return p.fd.Int()
}

// Close unloads the program from the kernel.
//
// Attachments made from the program keep it alive until they are detached.
// Calling Close twice is a no-op.
func (p *Program) Close() error {
	if p == nil {
		return nil
	}

	return p.fd.Close()
}

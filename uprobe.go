package redbpf

import (
	"fmt"
	"path/filepath"

	"github.com/mockersf/redbpf/internal/tracefs"
)

// UprobeOptions refine the attach point of a uprobe.
type UprobeOptions struct {
	// Offset in bytes from the resolved symbol, or from the start of the
	// file when no symbol is given.
	Offset uint64

	// PID restricts the probe to a single process. The zero value
	// observes every process.
	PID int
}

// AttachUprobe attaches prog to the entry of symbol in the executable or
// library at path.
//
// The symbol is resolved through the target's symbol and dynamic symbol
// tables; pass an empty symbol to attach at a raw opts.Offset instead.
// A nil opts is valid.
//
// Returns ErrTypeMismatch if prog wasn't declared in a uprobe/ section and
// ErrAlreadyAttached if prog is already attached to the same location.
func (m *Module) AttachUprobe(prog *Program, path, symbol string, opts *UprobeOptions) (Attachment, error) {
	if err := checkHook(prog, UprobeHook); err != nil {
		return nil, err
	}

	return m.attachUprobe(prog, path, symbol, opts, false)
}

// AttachUretprobe attaches prog to the return of symbol in the executable
// or library at path. See AttachUprobe.
func (m *Module) AttachUretprobe(prog *Program, path, symbol string, opts *UprobeOptions) (Attachment, error) {
	if err := checkHook(prog, UretprobeHook); err != nil {
		return nil, err
	}

	return m.attachUprobe(prog, path, symbol, opts, true)
}

func (m *Module) attachUprobe(prog *Program, path, symbol string, opts *UprobeOptions, ret bool) (Attachment, error) {
	if path == "" {
		return nil, fmt.Errorf("uprobe path is empty: %w", tracefs.ErrInvalidInput)
	}

	offset := uint64(0)
	pid := perfAllThreads
	if opts != nil {
		offset = opts.Offset
		if opts.PID != 0 {
			pid = opts.PID
		}
	}

	if symbol != "" {
		base, err := m.symbols.Offset(path, symbol)
		if err != nil {
			return nil, fmt.Errorf("uprobe %s: %w", symbol, err)
		}
		offset += base
	}

	args := tracefs.ProbeArgs{
		Type:   tracefs.Uprobe,
		Symbol: symbol,
		Path:   path,
		Offset: offset,
		Ret:    ret,
	}

	if symbol == "" {
		// The trace event still needs a name. Derive one from the file
		// and offset, tracefs sanitizes it further.
		args.Symbol = fmt.Sprintf("%s_%#x", filepath.Base(path), offset)
	}

	key := attachKey{prog.name, fmt.Sprintf("%s:%s", prog.hook, tracefs.UprobeToken(args))}

	return m.register(key, func() (attachment, error) {
		group, err := tracefs.RandomGroup(tracefsGroupPrefix)
		if err != nil {
			return nil, fmt.Errorf("uprobe group: %w", err)
		}
		args.Group = group

		evt, err := tracefs.NewEvent(args)
		if err != nil {
			return nil, fmt.Errorf("uprobe %s: %w", tracefs.UprobeToken(args), err)
		}

		return attachPerfEvent(m, key, prog, evt.ID(), pid, evt)
	})
}

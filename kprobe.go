package redbpf

import (
	"fmt"

	"github.com/mockersf/redbpf/internal/tracefs"
)

// perfAllThreads makes perf_event_open measure every process on the system.
const perfAllThreads = -1

// tracefsGroupPrefix namespaces the trace events this package creates.
const tracefsGroupPrefix = "redbpf"

// AttachKprobe attaches prog to the entry of the kernel symbol.
//
// Returns ErrTypeMismatch if prog wasn't declared in a kprobe/ section and
// ErrAlreadyAttached if prog is already attached to symbol.
func (m *Module) AttachKprobe(prog *Program, symbol string) (Attachment, error) {
	if err := checkHook(prog, KprobeHook); err != nil {
		return nil, err
	}

	return m.attachKprobe(prog, symbol, false)
}

// AttachKretprobe attaches prog to the return of the kernel symbol.
//
// Returns ErrTypeMismatch if prog wasn't declared in a kretprobe/ section
// and ErrAlreadyAttached if prog is already attached to symbol.
func (m *Module) AttachKretprobe(prog *Program, symbol string) (Attachment, error) {
	if err := checkHook(prog, KretprobeHook); err != nil {
		return nil, err
	}

	return m.attachKprobe(prog, symbol, true)
}

func (m *Module) attachKprobe(prog *Program, symbol string, ret bool) (Attachment, error) {
	if symbol == "" {
		return nil, fmt.Errorf("kprobe symbol is empty: %w", tracefs.ErrInvalidInput)
	}

	key := attachKey{prog.name, fmt.Sprintf("%s:%s", prog.hook, symbol)}

	return m.register(key, func() (attachment, error) {
		group, err := tracefs.RandomGroup(tracefsGroupPrefix)
		if err != nil {
			return nil, fmt.Errorf("kprobe group: %w", err)
		}

		evt, err := tracefs.NewEvent(tracefs.ProbeArgs{
			Type:   tracefs.Kprobe,
			Group:  group,
			Symbol: symbol,
			Ret:    ret,
		})
		if err != nil {
			return nil, fmt.Errorf("kprobe %s: %w", symbol, err)
		}

		return attachPerfEvent(m, key, prog, evt.ID(), perfAllThreads, evt)
	})
}

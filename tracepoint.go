package redbpf

import (
	"fmt"

	"github.com/mockersf/redbpf/internal/tracefs"
)

// AttachTracepoint attaches prog to the static tracepoint identified by
// category and name under <tracefs>/events, e.g. "syscalls" and
// "sys_enter_openat".
//
// Returns ErrTypeMismatch if prog wasn't declared in a tracepoint/ section
// and ErrAlreadyAttached if prog is already attached to the tracepoint.
func (m *Module) AttachTracepoint(prog *Program, category, name string) (Attachment, error) {
	if err := checkHook(prog, TracepointHook); err != nil {
		return nil, err
	}

	if category == "" || name == "" {
		return nil, fmt.Errorf("tracepoint category or name is empty: %w", tracefs.ErrInvalidInput)
	}

	key := attachKey{prog.name, fmt.Sprintf("tracepoint:%s/%s", category, name)}

	return m.register(key, func() (attachment, error) {
		tid, err := tracefs.EventID(category, name)
		if err != nil {
			return nil, fmt.Errorf("tracepoint %s/%s: %w", category, name, err)
		}

		// Static tracepoints exist independently of us, so there is no
		// tracefs entry to clean up on detach.
		return attachPerfEvent(m, key, prog, tid, perfAllThreads, nil)
	})
}

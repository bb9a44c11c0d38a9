package redbpf

import (
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal/sys"
	"github.com/mockersf/redbpf/internal/tracefs"
)

// Attachment is a program attached to a kernel hook.
//
// Detach removes the program from the hook. An Attachment left undetached
// is torn down by the Module that created it on Close; detaching after that
// is a no-op.
type Attachment interface {
	Detach() error
}

// attachment is the module-internal side of Attachment: close tears the
// attachment down without touching the registry.
type attachment interface {
	Attachment
	close() error
}

// attachKey identifies an attachment for double-attach detection.
type attachKey struct {
	program string
	target  string
}

// checkHook rejects programs written for a different hook than the attach
// method they are passed to.
func checkHook(prog *Program, want Hook) error {
	if prog.hook != want {
		return fmt.Errorf("program %s is a %s program, not %s: %w", prog.name, prog.hook, want, ErrTypeMismatch)
	}
	return nil
}

// perfEventAttachment is a program attached through a perf event: kprobes,
// uprobes and tracepoints.
type perfEventAttachment struct {
	module *Module
	key    attachKey

	perfFD *sys.FD
	// The tracefs entry backing the perf event. Nil for tracepoints,
	// which exist independently of us.
	event *tracefs.Event
}

var _ attachment = (*perfEventAttachment)(nil)

// attachPerfEvent wires a program into the trace event id and enables it.
//
// Closes evt on failure. evt may be nil for static tracepoints.
func attachPerfEvent(module *Module, key attachKey, prog *Program, tid uint64, pid int, evt *tracefs.Event) (*perfEventAttachment, error) {
	pfd, err := tracefs.OpenTracepointPerfEvent(tid, pid)
	if err != nil {
		if evt != nil {
			evt.Close()
		}
		return nil, fmt.Errorf("open perf event: %w", err)
	}

	if err := unix.IoctlSetInt(pfd.Int(), unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
		pfd.Close()
		if evt != nil {
			evt.Close()
		}
		return nil, wrapSyscallError("set bpf program on perf event", err)
	}

	if err := unix.IoctlSetInt(pfd.Int(), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		pfd.Close()
		if evt != nil {
			evt.Close()
		}
		return nil, wrapSyscallError("enable perf event", err)
	}

	a := &perfEventAttachment{
		module: module,
		key:    key,
		perfFD: pfd,
		event:  evt,
	}

	// Unlike the perf fd, the tracefs entry isn't cleaned up by the
	// kernel when the process dies. Tie it to the attachment's lifetime.
	runtime.SetFinalizer(a, (*perfEventAttachment).close)

	return a, nil
}

func (a *perfEventAttachment) Detach() error {
	return a.module.detach(a.key)
}

func (a *perfEventAttachment) close() error {
	runtime.SetFinalizer(a, nil)

	var errs []error

	// Disabling first stops the program firing between the ioctl and the
	// close. The fd may already be gone when close is driven by the
	// finalizer, hence best effort.
	if fd := a.perfFD.Int(); fd >= 0 {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			errs = append(errs, wrapSyscallError("disable perf event", err))
		}
	}

	if err := a.perfFD.Close(); err != nil {
		errs = append(errs, err)
	}

	if a.event != nil {
		if err := a.event.Close(); err != nil {
			errs = append(errs, fmt.Errorf("remove trace event: %w", err))
		}
	}

	return errors.Join(errs...)
}

package tracefs

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal/sys"
)

// OpenTracepointPerfEvent opens a tracepoint-type perf event. System-wide
// [k,u]probes created by writing to <tracefs>/[k,u]probe_events are
// tracepoints behind the scenes, and can be attached to using these perf
// events. pid < 0 traces all processes.
func OpenTracepointPerfEvent(tid uint64, pid int) (*sys.FD, error) {
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_TRACEPOINT,
		Config:      tid,
		Sample_type: unix.PERF_SAMPLE_RAW,
		Sample:      1,
		Wakeup:      1,
	}

	// pid and cpu cannot both be -1. Tracing a single process observes it
	// on every CPU, tracing every process requires pinning the event to
	// one CPU; the probe itself still fires globally.
	cpu := 0
	if pid != -1 {
		cpu = -1
	}

	fd, err := unix.PerfEventOpen(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("opening tracepoint perf event: %w", err)
	}

	return sys.NewFD(fd)
}

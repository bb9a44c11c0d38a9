package redbpf

import "strings"

// Hook names the kernel attach point a program was written for.
//
// It is derived from the section name of the program in the object file and
// decides both the program type used at load time and which Attach method of
// Module accepts the program.
type Hook uint8

const (
	// UnspecifiedHook is returned for programs in sections that don't match
	// any known prefix.
	UnspecifiedHook Hook = iota
	// KprobeHook fires on entry of a kernel function.
	KprobeHook
	// KretprobeHook fires on return of a kernel function.
	KretprobeHook
	// UprobeHook fires on entry of a userspace function.
	UprobeHook
	// UretprobeHook fires on return of a userspace function.
	UretprobeHook
	// TracepointHook fires on a static kernel tracepoint.
	TracepointHook
	// XDPHook runs on packet receive, before allocation of an skb.
	XDPHook
	// SocketFilterHook runs on packets delivered to a socket.
	SocketFilterHook
)

func (h Hook) String() string {
	switch h {
	case KprobeHook:
		return "kprobe"
	case KretprobeHook:
		return "kretprobe"
	case UprobeHook:
		return "uprobe"
	case UretprobeHook:
		return "uretprobe"
	case TracepointHook:
		return "tracepoint"
	case XDPHook:
		return "xdp"
	case SocketFilterHook:
		return "socketfilter"
	default:
		return "unspecified"
	}
}

// ProgramType returns the program type the kernel expects for programs
// written against this hook.
func (h Hook) ProgramType() ProgramType {
	switch h {
	case KprobeHook, KretprobeHook, UprobeHook, UretprobeHook:
		// Uprobes piggyback on the kprobe program type.
		return Kprobe
	case TracepointHook:
		return TracePoint
	case XDPHook:
		return XDP
	case SocketFilterHook:
		return SocketFilter
	default:
		return UnspecifiedProgram
	}
}

// sectionHooks maps the section name prefixes emitted by BPF compilers to
// hooks.
var sectionHooks = []struct {
	prefix string
	hook   Hook
}{
	{"kretprobe/", KretprobeHook},
	{"kprobe/", KprobeHook},
	{"uretprobe/", UretprobeHook},
	{"uprobe/", UprobeHook},
	{"tracepoint/", TracepointHook},
	{"xdp/", XDPHook},
	{"socketfilter/", SocketFilterHook},
}

// matchSectionName splits a program section name into its hook and the
// program name. Returns UnspecifiedHook for sections that don't contain
// programs.
func matchSectionName(section string) (Hook, string) {
	for _, sh := range sectionHooks {
		if strings.HasPrefix(section, sh.prefix) {
			return sh.hook, section[len(sh.prefix):]
		}
	}
	return UnspecifiedHook, ""
}

// ProgramType of the eBPF program, as accepted by BPF_PROG_LOAD.
type ProgramType uint32

const (
	UnspecifiedProgram ProgramType = iota
	// SocketFilter program
	SocketFilter
	// Kprobe program
	Kprobe
	// SchedCLS program
	SchedCLS
	// SchedACT program
	SchedACT
	// TracePoint program
	TracePoint
	// XDP program
	XDP
	// PerfEvent program
	PerfEvent
)

func (pt ProgramType) String() string {
	switch pt {
	case SocketFilter:
		return "SocketFilter"
	case Kprobe:
		return "Kprobe"
	case SchedCLS:
		return "SchedCLS"
	case SchedACT:
		return "SchedACT"
	case TracePoint:
		return "TracePoint"
	case XDP:
		return "XDP"
	case PerfEvent:
		return "PerfEvent"
	default:
		return "UnspecifiedProgram"
	}
}

// MapType indicates the type of the map, as accepted by BPF_MAP_CREATE.
type MapType uint32

const (
	UnspecifiedMap MapType = iota
	// Hash is a hash map
	Hash
	// Array is an array map
	Array
	// ProgramArray - A program array map is a special kind of array map whose map
	// values contain only file descriptors referring to other eBPF
	// programs.  Thus, both the key_size and value_size must be
	// exactly four bytes.
	ProgramArray
	// PerfEventArray - A perf event array is used in conjunction with PerfEventReader
	// to read raw samples pushed by programs via the perf_event_output
	// helper.
	PerfEventArray
	// PerCPUHash - This data structure is useful for people who have high performance
	// network needs and can reconcile adds at the end of some cycle, so that
	// hashes can be lock free without the use of XAdd, which can be costly.
	PerCPUHash
	// PerCPUArray - This data structure is useful for people who have high performance
	// network needs and can reconcile adds at the end of some cycle, so that
	// hashes can be lock free without the use of XAdd, which can be costly.
	// Each CPU gets a copy of this hash, the contents of all of which can be reconciled
	// later.
	PerCPUArray
	// StackTrace - This holds whole user and kernel stack traces, it can be retrieved with
	// GetStackID
	StackTrace
	// CGroupArray - This is a very niche structure used to help SKBInCGroup determine
	// if an skb is from a socket belonging to a specific cgroup
	CGroupArray
	// LRUHash - This allows you to create a small hash structure that will purge the
	// least recently used items rather than throw an error when you run out of memory
	LRUHash
	// LRUCPUHash - This is NOT like PerCPUHash, this structure is shared among the CPUs,
	// it has more to do with including the CPU id with the LRU calculation so that if a
	// particular CPU is using a value over-and-over again, then it will be saved, but if
	// a value is being retrieved a lot but sparsely across CPUs it is not as important, basically
	// giving weight to CPU locality over overall usage.
	LRUCPUHash
	// LPMTrie - This is an implementation of Longest-Prefix-Match Trie structure. It is useful,
	// for storing things like IP addresses which can be bit masked allowing for keys of differing
	// values to refer to the same reference based on their masks. See wikipedia for more details.
	LPMTrie
)

// hasPerCPUValue returns true if the map stores one value per possible CPU.
func (mt MapType) hasPerCPUValue() bool {
	return mt == PerCPUHash || mt == PerCPUArray
}

func (mt MapType) String() string {
	switch mt {
	case Hash:
		return "Hash"
	case Array:
		return "Array"
	case ProgramArray:
		return "ProgramArray"
	case PerfEventArray:
		return "PerfEventArray"
	case PerCPUHash:
		return "PerCPUHash"
	case PerCPUArray:
		return "PerCPUArray"
	case StackTrace:
		return "StackTrace"
	case CGroupArray:
		return "CGroupArray"
	case LRUHash:
		return "LRUHash"
	case LRUCPUHash:
		return "LRUCPUHash"
	case LPMTrie:
		return "LPMTrie"
	default:
		return "UnspecifiedMap"
	}
}

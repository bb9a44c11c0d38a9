// Package tracefs creates and removes dynamic trace events via the kernel's
// tracefs interface.
//
// Kprobes and uprobes created by writing to <tracefs>/[k,u]probe_events are
// tracepoints behind the scenes, identified by a trace event id that can be
// attached to with a perf event.
package tracefs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
)

var ErrInvalidInput = errors.New("invalid input")

// ProbeType indicates either a kprobe or uprobe.
type ProbeType uint8

const (
	Kprobe ProbeType = iota
	Uprobe
)

func (pt ProbeType) String() string {
	if pt == Kprobe {
		return "kprobe"
	}
	return "uprobe"
}

func (pt ProbeType) eventsFile() (*os.File, error) {
	path, err := sanitizeTracefsPath(fmt.Sprintf("%s_events", pt.String()))
	if err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0666)
}

// ProbeArgs describes a dynamic trace event to be created.
type ProbeArgs struct {
	Type          ProbeType
	Symbol, Group string
	// Path and Offset identify the attach point of a uprobe. Offset is
	// also valid for kprobes, where it is relative to Symbol.
	Path   string
	Offset uint64
	Ret    bool
}

// RandomGroup generates a pseudorandom string for use as a tracefs group
// name. Returns an error when the output string would exceed 63 characters
// (kernel limitation), when rand.Read() fails or when prefix contains
// characters not allowed by validIdentifier.
func RandomGroup(prefix string) (string, error) {
	if !validIdentifier(prefix) {
		return "", fmt.Errorf("prefix '%s' must be alphanumeric or underscore: %w", prefix, ErrInvalidInput)
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	group := fmt.Sprintf("%s_%x", prefix, b)
	if len(group) > 63 {
		return "", fmt.Errorf("group name '%s' cannot be longer than 63 characters: %w", group, ErrInvalidInput)
	}

	return group, nil
}

// validIdentifier implements the equivalent of a regex match against
// "^[a-zA-Z_][0-9a-zA-Z_]*$".
//
// Trace event groups, names and kernel symbols must adhere to this set of
// characters. Non-empty, first character must not be a number, all
// characters must be alphanumeric or underscore.
func validIdentifier(s string) bool {
	if len(s) < 1 {
		return false
	}
	for i, c := range []byte(s) {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '_':
		case i > 0 && c >= '0' && c <= '9':

		default:
			return false
		}
	}

	return true
}

// sanitizeIdentifier replaces every invalid character for the tracefs api
// with an underscore.
//
// It is equivalent to calling regexp.MustCompile("[^a-zA-Z0-9]+").ReplaceAllString("_").
func sanitizeIdentifier(s string) string {
	var skip bool
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z',
			c >= 'A' && c <= 'Z',
			c >= '0' && c <= '9':
			skip = false
			return c

		case skip:
			return -1

		default:
			skip = true
			return '_'
		}
	}, s)
}

func sanitizeTracefsPath(path ...string) (string, error) {
	base, err := getTracefsPath()
	if err != nil {
		return "", err
	}
	l := filepath.Join(path...)
	p := filepath.Join(base, l)
	if !strings.HasPrefix(p, base) {
		return "", fmt.Errorf("path '%s' attempts to escape base path '%s': %w", l, base, ErrInvalidInput)
	}
	return p, nil
}

// getTracefsPath will return a correct path to the tracefs mount point.
// Since kernel 4.1 tracefs should be mounted by default at
// /sys/kernel/tracing, but may also be available at
// /sys/kernel/debug/tracing if debugfs is mounted. The available tracefs
// paths will depend on distribution choices.
var getTracefsPath = sync.OnceValues(func() (string, error) {
	for _, p := range []struct {
		path   string
		fsType int64
	}{
		{"/sys/kernel/tracing", unix.TRACEFS_MAGIC},
		{"/sys/kernel/debug/tracing", unix.TRACEFS_MAGIC},
		// RHEL/CentOS
		{"/sys/kernel/debug/tracing", unix.DEBUGFS_MAGIC},
	} {
		if fsType, err := internal.FSType(p.path); err == nil && fsType == p.fsType {
			return p.path, nil
		}
	}

	return "", errors.New("neither debugfs nor tracefs are mounted")
})

// EventID reads a trace event's ID from tracefs given its group and name.
// The kernel requires group and name to be alphanumeric or underscore.
//
// name automatically has its invalid symbols converted to underscores so the
// caller can pass a raw symbol name, e.g. a kernel symbol containing dots.
func EventID(group, name string) (uint64, error) {
	name = sanitizeIdentifier(name)
	path, err := sanitizeTracefsPath("events", group, name, "id")
	if err != nil {
		return 0, err
	}
	tid, err := readUint64FromFile("%d\n", path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("reading trace event ID of %s/%s: %w", group, name, err)
	}

	return tid, nil
}

func readUint64FromFile(format string, path ...string) (uint64, error) {
	filename := filepath.Join(path...)
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, err
	}

	var value uint64
	n, err := fmt.Fscanf(strings.NewReader(string(data)), format, &value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", filename, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("parsing %s: expected 1 item, got %d", filename, n)
	}

	return value, nil
}

func probePrefix(ret bool) string {
	if ret {
		return "r"
	}
	return "p"
}

// Event represents an entry in a tracefs probe events file.
type Event struct {
	typ         ProbeType
	group, name string
	// event id in tracefs
	id uint64
}

// NewEvent creates a new ephemeral trace event.
//
// Returns os.ErrNotExist if symbol is not a valid kernel symbol, or if path
// and offset do not describe a valid entry point for a uprobe. Returns
// os.ErrExist if a probe with the same group and symbol already exists.
func NewEvent(args ProbeArgs) (*Event, error) {
	// Before attempting to create a trace event through tracefs, check if an
	// event with the same group and name already exists. Kernels 4.x and
	// earlier don't return os.ErrExist on writing a duplicate entry, so we
	// need to rely on reads for detecting uniqueness.
	eventName := sanitizeIdentifier(args.Symbol)
	_, err := EventID(args.Group, eventName)
	if err == nil {
		return nil, fmt.Errorf("trace event %s/%s: %w", args.Group, eventName, os.ErrExist)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking trace event %s/%s: %w", args.Group, eventName, err)
	}

	// Open the kprobe_events or uprobe_events file in tracefs.
	f, err := args.Type.eventsFile()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var token string
	switch args.Type {
	case Kprobe:
		// The kprobe_events syntax is as follows (see
		// Documentation/trace/kprobetrace.txt):
		//   p[:[GRP/]EVENT] [MOD:]SYM[+offs]|MEMADDR [FETCHARGS] : Set a probe
		//   r[MAXACTIVE][:[GRP/]EVENT] [MOD:]SYM[+0] [FETCHARGS] : Set a return probe
		//   -:[GRP/]EVENT                                        : Clear a probe
		//
		// Leaving the kretprobe's MAXACTIVE at the kernel default avoids
		// missed invocations on deep call stacks at the cost of memory.
		token = KprobeToken(args)

	case Uprobe:
		// The uprobe_events syntax is as follows:
		//   p[:[GRP/]EVENT] PATH:OFFSET [FETCHARGS] : Set a probe
		//   r[:[GRP/]EVENT] PATH:OFFSET [FETCHARGS] : Set a return probe
		//   -:[GRP/]EVENT                           : Clear a probe
		token = UprobeToken(args)

	default:
		return nil, fmt.Errorf("probe type %d: %w", args.Type, ErrInvalidInput)
	}

	pe := fmt.Sprintf("%s:%s/%s %s", probePrefix(args.Ret), args.Group, eventName, token)
	if _, err := f.WriteString(pe); err != nil {
		// Since commit 97c753e62e6c, ENOENT is correctly returned instead of
		// EINVAL when trying to create a retprobe for a missing symbol.
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("token %s: not found: %w", token, err)
		}
		// Since commit ab105a4fb894, EILSEQ is returned when a kprobe sym+offset
		// is resolved to an invalid insn boundary.
		if errors.Is(err, unix.EILSEQ) {
			return nil, fmt.Errorf("token %s: bad insn boundary: %w", token, os.ErrNotExist)
		}
		return nil, fmt.Errorf("token %s: writing '%s' to %s: %w", token, pe, f.Name(), err)
	}

	// Get the newly-created trace event's id.
	tid, err := EventID(args.Group, eventName)
	if err != nil {
		// A trace event was created but we couldn't read its id, attempt to
		// remove it again to avoid leaking the entry.
		removeEvent(args.Type, fmt.Sprintf("%s/%s", args.Group, eventName))
		return nil, fmt.Errorf("get trace event id: %w", err)
	}

	return &Event{args.Type, args.Group, eventName, tid}, nil
}

// Close removes the event from tracefs.
//
// Returns os.ErrClosed if the event has already been closed before.
func (evt *Event) Close() error {
	if evt.id == 0 {
		return os.ErrClosed
	}

	evt.id = 0
	return removeEvent(evt.typ, fmt.Sprintf("%s/%s", evt.group, evt.name))
}

func removeEvent(typ ProbeType, pe string) error {
	f, err := typ.eventsFile()
	if err != nil {
		return err
	}
	defer f.Close()

	// See [NewEvent] for the format of the command string.
	if _, err := f.WriteString("-:" + pe); err != nil {
		return fmt.Errorf("remove event %q from %s: %w", pe, f.Name(), err)
	}

	return nil
}

// ID returns the tracefs ID associated with the event.
func (evt *Event) ID() uint64 {
	return evt.id
}

// Group returns the tracefs group used by the event.
func (evt *Event) Group() string {
	return evt.group
}

// KprobeToken creates the SYM[+offs] token for the tracefs api.
func KprobeToken(args ProbeArgs) string {
	po := args.Symbol

	if args.Offset != 0 {
		po += fmt.Sprintf("+%#x", args.Offset)
	}

	return po
}

package redbpf

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by this package. They are always wrapped with
// additional context and must be tested with errors.Is.
var (
	// ErrMalformedObject is returned when an object file has a valid ELF
	// header but contents that can't be interpreted, e.g. a map definition
	// of the wrong size or an instruction stream that isn't a multiple of
	// the instruction size.
	ErrMalformedObject = errors.New("malformed object")

	// ErrTruncatedObject is returned when a section or table of an object
	// file extends past the end of its buffer.
	ErrTruncatedObject = errors.New("truncated object")

	// ErrMissingStringTable is returned when an object file lacks the
	// string or symbol tables needed to name its sections, maps or
	// relocations.
	ErrMissingStringTable = errors.New("missing string table")

	// ErrUnresolvedReloc is returned when an instruction references a map
	// that the object file doesn't define.
	ErrUnresolvedReloc = errors.New("unresolved map reference")

	// ErrTypeMismatch is returned when a program is attached to a hook it
	// wasn't written for.
	ErrTypeMismatch = errors.New("program type mismatch")

	// ErrAlreadyAttached is returned when a program is attached a second
	// time to a target it is already attached to.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrKeyNotExist is returned when a key is absent from a map.
	ErrKeyNotExist = errors.New("key does not exist")

	// ErrInvalidKeySize is returned when a key buffer doesn't match the
	// map definition's key size.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidValueSize is returned when a value buffer doesn't match
	// the map definition's value size.
	ErrInvalidValueSize = errors.New("invalid value size")
)

// SyscallError is returned for failures of bpf(2) and the syscalls used to
// attach programs. The raw errno is preserved and can be matched with
// errors.Is against unix.Errno values.
type SyscallError struct {
	Op    string
	Errno unix.Errno
}

func (se *SyscallError) Error() string {
	return fmt.Sprintf("%s: %s", se.Op, se.Errno.Error())
}

func (se *SyscallError) Unwrap() error {
	return se.Errno
}

// wrapSyscallError turns an errno buried in err into a *SyscallError,
// preserving other errors as-is.
func wrapSyscallError(op string, err error) error {
	if err == nil {
		return nil
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return &SyscallError{Op: op, Errno: errno}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// VerifierError is returned when the kernel rejects a program.
//
// It carries the full verifier log: use %+v instead of %v to include it
// when formatting.
type VerifierError struct {
	// Name of the rejected program.
	Name string
	// Cause is the error returned by the kernel, usually a *SyscallError
	// carrying EACCES or EINVAL.
	Cause error
	// Log holds the verifier's output, one line per entry, in full.
	Log []string
}

func (ve *VerifierError) Unwrap() error {
	return ve.Cause
}

func (ve *VerifierError) Error() string {
	log := ve.Log
	// The last line is often an unhelpful summary like "processed 8 insns",
	// show the most recent interesting one.
	if n := len(log); n > 0 && strings.HasPrefix(log[n-1], "processed ") {
		log = log[:n-1]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "load program %s: %s", ve.Name, ve.Cause.Error())

	if n := len(log); n > 0 {
		fmt.Fprintf(&b, ": %s", log[n-1])
		if n > 1 {
			fmt.Fprintf(&b, " (%d line(s) omitted)", n-1)
		}
	}

	return b.String()
}

// Format implements fmt.Formatter.
//
// %v prints the error with a single line of the verifier log, %+v prints
// the log in full.
func (ve *VerifierError) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if !f.Flag('+') {
			fmt.Fprint(f, ve.Error())
			return
		}

		fmt.Fprintf(f, "load program %s: %s", ve.Name, ve.Cause.Error())
		for _, line := range ve.Log {
			fmt.Fprintf(f, "\n\t%s", line)
		}

	case 's':
		fmt.Fprint(f, ve.Error())

	default:
		fmt.Fprintf(f, "%%!%c(*VerifierError=%s)", verb, ve.Error())
	}
}

// newVerifierError splits the kernel's log buffer into lines, dropping
// trailing empty ones.
func newVerifierError(name string, cause error, log []byte) *VerifierError {
	truncated := strings.TrimRight(string(log), "\x00 \t\r\n")

	var lines []string
	if truncated != "" {
		lines = strings.Split(truncated, "\n")
	}

	return &VerifierError{
		Name:  name,
		Cause: cause,
		Log:   lines,
	}
}

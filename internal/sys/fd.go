package sys

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

var ErrClosedFd = unix.EBADF

// FD wraps a kernel file descriptor and ties its lifetime to the
// garbage collector.
type FD struct {
	raw int
}

func newFD(value int) *FD {
	fd := &FD{value}
	runtime.SetFinalizer(fd, (*FD).finalize)
	return fd
}

// NewFD wraps a raw fd with a handle.
//
// You must not use the raw fd after calling this function, since the returned
// handle closes the fd when it is garbage collected.
func NewFD(value int) (*FD, error) {
	if value < 0 {
		return nil, fmt.Errorf("invalid fd %d", value)
	}

	return newFD(value), nil
}

// finalize closes fds that were never closed explicitly, so an
// abandoned handle doesn't leak its descriptor.
func (fd *FD) finalize() {
	if fd.raw < 0 {
		return
	}

	_ = fd.Close()
}

func (fd *FD) String() string {
	return strconv.FormatInt(int64(fd.raw), 10)
}

func (fd *FD) Int() int {
	return fd.raw
}

func (fd *FD) Uint() uint32 {
	if fd.raw < 0 {
		// Best effort: this is the number most likely to be an invalid file
		// descriptor. It is equal to -1 (on two's complement arches).
		return math.MaxUint32
	}
	return uint32(fd.raw)
}

// Close the underlying file descriptor.
//
// Calling Close on an already closed descriptor is a no-op.
func (fd *FD) Close() error {
	if fd.raw < 0 {
		return nil
	}

	return unix.Close(fd.Disown())
}

// Disown destroys the FD and returns its raw file descriptor without closing
// it. After this call, the underlying fd is no longer tied to the FD's
// lifecycle.
func (fd *FD) Disown() int {
	value := fd.raw
	fd.raw = -1

	runtime.SetFinalizer(fd, nil)
	return value
}

// Dup duplicates the underlying file descriptor.
//
// The new handle has an independent lifetime: closing one does not
// affect the other.
func (fd *FD) Dup() (*FD, error) {
	if fd.raw < 0 {
		return nil, ErrClosedFd
	}

	// Always require the fd to be larger than zero: the BPF API treats the value
	// as "no argument provided".
	dup, err := unix.FcntlInt(uintptr(fd.raw), unix.F_DUPFD_CLOEXEC, 1)
	if err != nil {
		return nil, fmt.Errorf("can't dup fd: %v", err)
	}

	return newFD(dup), nil
}

// File takes ownership of the FD and turns it into an [*os.File].
//
// Returns nil if the FD is not valid.
func (fd *FD) File(name string) *os.File {
	if fd.raw < 0 {
		return nil
	}

	return os.NewFile(uintptr(fd.Disown()), name)
}

package sys

import (
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"
)

func newTestFD(t *testing.T) *FD {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	qt.Assert(t, qt.IsNil(err))
	_ = unix.Close(fds[1])

	fd, err := NewFD(fds[0])
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() { _ = fd.Close() })
	return fd
}

func TestFD(t *testing.T) {
	_, err := NewFD(-1)
	qt.Assert(t, qt.IsNotNil(err), qt.Commentf("negative fd must be rejected"))

	fd := newTestFD(t)
	qt.Assert(t, qt.IsTrue(fd.Int() >= 0))

	qt.Assert(t, qt.IsNil(fd.Close()))
	qt.Assert(t, qt.Equals(fd.Int(), -1))
	qt.Assert(t, qt.Equals(fd.Uint(), uint32(0xffffffff)))

	// Closing twice is a no-op.
	qt.Assert(t, qt.IsNil(fd.Close()))
}

func TestFDDup(t *testing.T) {
	fd := newTestFD(t)

	dup, err := fd.Dup()
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Not(qt.Equals(dup.Int(), fd.Int())))

	// The original stays usable after closing the duplicate.
	qt.Assert(t, qt.IsNil(dup.Close()))
	qt.Assert(t, qt.IsNil(unix.SetNonblock(fd.Int(), true)))

	qt.Assert(t, qt.IsNil(fd.Close()))
	_, err = fd.Dup()
	qt.Assert(t, qt.ErrorIs(err, ErrClosedFd))
}

func TestFDDisown(t *testing.T) {
	fd := newTestFD(t)

	raw := fd.Disown()
	qt.Assert(t, qt.Equals(fd.Int(), -1))
	qt.Assert(t, qt.IsNil(unix.Close(raw)), qt.Commentf("caller owns the fd after Disown"))
}

package internal

import (
	"os"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"
)

func TestFSType(t *testing.T) {
	fst, err := FSType("/proc/self")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(fst, int64(unix.PROC_SUPER_MAGIC)))

	_, err = FSType("/this/path/does/not/exist")
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))
}

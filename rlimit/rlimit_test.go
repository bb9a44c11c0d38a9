package rlimit

import (
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/testutils"
)

func TestRemoveMemlock(t *testing.T) {
	testutils.RequireRoot(t)

	var before unix.Rlimit
	qt.Assert(t, qt.IsNil(unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &before)))

	qt.Assert(t, qt.IsNil(RemoveMemlock()))

	var after unix.Rlimit
	qt.Assert(t, qt.IsNil(unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &after)))

	version, err := internal.KernelVersion()
	qt.Assert(t, qt.IsNil(err))

	if version.Less(memcgAccountingVersion) {
		qt.Assert(t, qt.Equals(after.Cur, uint64(unix.RLIM_INFINITY)), qt.Commentf("cur should be infinity"))
		qt.Assert(t, qt.Equals(after.Max, uint64(unix.RLIM_INFINITY)), qt.Commentf("max should be infinity"))
	} else {
		qt.Assert(t, qt.Equals(after.Cur, before.Cur), qt.Commentf("cur should be unchanged"))
		qt.Assert(t, qt.Equals(after.Max, before.Max), qt.Commentf("max should be unchanged"))
	}
}

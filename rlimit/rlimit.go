// Package rlimit allows raising RLIMIT_MEMLOCK if necessary for the use of BPF.
package rlimit

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mockersf/redbpf/internal"
	"github.com/mockersf/redbpf/internal/sys"
)

// memcgAccountingVersion is the first release which charges BPF memory
// to the memory cgroup of the calling process instead of RLIMIT_MEMLOCK.
var memcgAccountingVersion = internal.Version{5, 11, 0}

var (
	errNoMemcgAccounting = fmt.Errorf("memcg-based accounting for BPF memory (kernel %s) is not supported", memcgAccountingVersion)
	haveMemcgAccounting  error
)

func init() {
	// The probe lowers RLIMIT_MEMLOCK, which is process wide and therefore
	// not safe once other goroutines may be running. Package initialization
	// happens sequentially, before main, so run it here. Keeping
	// RemoveMemlock in its own package means the probe only runs for
	// programs which actually call it.
	haveMemcgAccounting = detectMemcgAccounting()
}

func detectMemcgAccounting() error {
	var oldLimit unix.Rlimit
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, nil, &oldLimit); err != nil {
		return fmt.Errorf("retrieve RLIMIT_MEMLOCK: %w", err)
	}

	// Lowering the limit is always permitted.
	zeroLimit := unix.Rlimit{Cur: 0, Max: oldLimit.Max}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &zeroLimit, &oldLimit); err != nil {
		return fmt.Errorf("lower RLIMIT_MEMLOCK: %w", err)
	}

	// With the limit at zero, creating a map only succeeds if the kernel
	// doesn't charge BPF memory against RLIMIT_MEMLOCK anymore.
	attr := sys.MapCreateAttr{
		MapType:    2, // BPF_MAP_TYPE_ARRAY
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 1,
		MapName:    sys.NewObjName("memcg_probe"),
	}

	fd, mapErr := sys.MapCreate(&attr)

	// Restore the old limit regardless of the outcome.
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &oldLimit, nil); err != nil {
		return fmt.Errorf("restore old RLIMIT_MEMLOCK: %w", err)
	}

	if mapErr == nil {
		fd.Close()
		return nil
	}

	if !errors.Is(mapErr, unix.EPERM) {
		return fmt.Errorf("determine whether RLIMIT_MEMLOCK is used: %w", mapErr)
	}

	return errNoMemcgAccounting
}

var (
	prlimitMu      sync.Mutex
	memlockRemoved bool
)

// RemoveMemlock removes the limit on the amount of memory the current
// process can lock into RAM, if necessary.
//
// Kernels from 5.11 account BPF memory to the memory cgroup of the calling
// process instead, and on those the function is a no-op.
//
// Since the function may change a per-process limit it should be invoked
// at program start up, in main() or init().
//
// Requires CAP_SYS_RESOURCE on kernels before 5.11.
func RemoveMemlock() error {
	if haveMemcgAccounting == nil {
		return nil
	}

	if !errors.Is(haveMemcgAccounting, errNoMemcgAccounting) {
		return haveMemcgAccounting
	}

	prlimitMu.Lock()
	defer prlimitMu.Unlock()

	if memlockRemoved {
		return nil
	}

	// pid 0 affects the current process.
	newLimit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Prlimit(0, unix.RLIMIT_MEMLOCK, &newLimit, nil); err != nil {
		return fmt.Errorf("set memlock rlimit: %w", err)
	}

	memlockRemoved = true
	return nil
}

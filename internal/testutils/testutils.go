// Package testutils contains helpers shared by tests across the module.
package testutils

import (
	"os"
	"testing"
)

// RequireRoot skips the current test when it is not running with root
// privileges. Loading programs, creating maps and attaching to hooks all
// require CAP_SYS_ADMIN or CAP_BPF on most kernels.
func RequireRoot(tb testing.TB) {
	tb.Helper()

	if os.Geteuid() != 0 {
		tb.Skip("test requires root privileges")
	}
}

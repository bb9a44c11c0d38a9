package tracefs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/mockersf/redbpf/internal/testutils"
)

func TestRandomGroup(t *testing.T) {
	// Expect <prefix>_<16 random hex chars>.
	g, err := RandomGroup("redbpftest")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Matches(g, `redbpftest_[a-f0-9]{16}`))

	// Expect error when the generator's output exceeds 63 characters.
	p := make([]byte, 47) // 63 - 17 (length of the random suffix and underscore) + 1
	for i := range p {
		p[i] = byte('a')
	}
	_, err = RandomGroup(string(p))
	qt.Assert(t, qt.IsNotNil(err))

	// Reject non-alphanumeric characters.
	_, err = RandomGroup("/")
	qt.Assert(t, qt.IsNotNil(err))
}

func TestValidIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		fail bool
	}{
		{"empty string", "", true},
		{"leading number", "1test", true},
		{"underscore first", "__x64_syscall", false},
		{"contains number", "bpf_trace_run1", false},
		{"underscore", "_", false},
		{"leading dash", "-EINVAL", true},
		{"contains dash", "trace-group", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := "pass"
			if tt.fail {
				exp = "fail"
			}

			if validIdentifier(tt.in) == tt.fail {
				t.Errorf("expected string '%s' to %s valid identifier check", tt.in, exp)
			}
		})
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		symbol   string
		expected string
	}{
		{"readline", "readline"},
		{"main.Func123", "main_Func123"},
		{"a.....a", "a_a"},
		{"./;'{}[]a", "_a"},
		{"***xx**xx###", "_xx_xx_"},
		{`@P#r$i%v^3*+t)i&k++--`, "_P_r_i_v_3_t_i_k_"},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			sanitized := sanitizeIdentifier(tt.symbol)
			if tt.expected != sanitized {
				t.Errorf("Expected sanitized symbol to be '%s', got '%s'", tt.expected, sanitized)
			}
		})
	}
}

func TestSanitizePath(t *testing.T) {
	testutils.RequireRoot(t)

	_, err := sanitizeTracefsPath("../escaped")
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected error %s, got: %s", ErrInvalidInput, err)
	}

	_, err = sanitizeTracefsPath("./not/escaped")
	if err != nil {
		t.Errorf("expected no error, got: %s", err)
	}
}

func TestKprobeToken(t *testing.T) {
	tests := []struct {
		args     ProbeArgs
		expected string
	}{
		{ProbeArgs{Symbol: "do_sys_open"}, "do_sys_open"},
		{ProbeArgs{Symbol: "do_sys_open", Offset: 1}, "do_sys_open+0x1"},
		{ProbeArgs{Symbol: "do_sys_open", Offset: 65535}, "do_sys_open+0xffff"},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			po := KprobeToken(tt.args)
			if tt.expected != po {
				t.Errorf("Expected symbol+offset to be '%s', got '%s'", tt.expected, po)
			}
		})
	}
}

func TestEventID(t *testing.T) {
	testutils.RequireRoot(t)

	eid, err := EventID("syscalls", "sys_enter_mmap")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Not(qt.Equals(eid, 0)))

	_, err = EventID("totally", "bogus")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatal("Expected os.ErrNotExist, got", err)
	}
}

func TestGetTracefsPath(t *testing.T) {
	testutils.RequireRoot(t)

	path, err := getTracefsPath()
	qt.Assert(t, qt.IsNil(err))
	_, err = os.Stat(path)
	qt.Assert(t, qt.IsNil(err))
}

func TestNewEvent(t *testing.T) {
	testutils.RequireRoot(t)

	group, err := RandomGroup("redbpftest")
	qt.Assert(t, qt.IsNil(err))

	args := ProbeArgs{Type: Kprobe, Group: group, Symbol: "vprintk"}
	evt, err := NewEvent(args)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Not(qt.Equals(evt.ID(), 0)))
	qt.Assert(t, qt.Equals(evt.Group(), group))

	// Creating the same event twice must fail.
	_, err = NewEvent(args)
	qt.Assert(t, qt.ErrorIs(err, os.ErrExist))

	qt.Assert(t, qt.IsNil(evt.Close()))
	qt.Assert(t, qt.ErrorIs(evt.Close(), os.ErrClosed))

	// A bogus symbol must not create an event.
	_, err = NewEvent(ProbeArgs{Type: Kprobe, Group: group, Symbol: "bogus_redbpf_no_such_symbol"})
	qt.Assert(t, qt.ErrorIs(err, os.ErrNotExist))
}

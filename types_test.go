package redbpf

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestMatchSectionName(t *testing.T) {
	tests := []struct {
		section string
		hook    Hook
		name    string
	}{
		{"kprobe/sys_execve", KprobeHook, "sys_execve"},
		{"kretprobe/sys_execve", KretprobeHook, "sys_execve"},
		{"uprobe/malloc", UprobeHook, "malloc"},
		{"uretprobe/malloc", UretprobeHook, "malloc"},
		{"tracepoint/syscalls/sys_enter_openat", TracepointHook, "syscalls/sys_enter_openat"},
		{"xdp/block_port_80", XDPHook, "block_port_80"},
		{"socketfilter/dns", SocketFilterHook, "dns"},

		// Sections that don't contain programs.
		{"maps", UnspecifiedHook, ""},
		{"maps/events", UnspecifiedHook, ""},
		{"license", UnspecifiedHook, ""},
		{".text", UnspecifiedHook, ""},
		{"kprobe", UnspecifiedHook, ""},
		{"kprobes/foo", UnspecifiedHook, ""},
	}

	for _, tt := range tests {
		hook, name := matchSectionName(tt.section)
		qt.Assert(t, qt.Equals(hook, tt.hook), qt.Commentf("section %q", tt.section))
		qt.Assert(t, qt.Equals(name, tt.name), qt.Commentf("section %q", tt.section))
	}
}

func TestHookProgramType(t *testing.T) {
	tests := []struct {
		hook Hook
		typ  ProgramType
	}{
		{KprobeHook, Kprobe},
		{KretprobeHook, Kprobe},
		{UprobeHook, Kprobe},
		{UretprobeHook, Kprobe},
		{TracepointHook, TracePoint},
		{XDPHook, XDP},
		{SocketFilterHook, SocketFilter},
		{UnspecifiedHook, UnspecifiedProgram},
	}

	for _, tt := range tests {
		qt.Assert(t, qt.Equals(tt.hook.ProgramType(), tt.typ), qt.Commentf("hook %s", tt.hook))
	}
}

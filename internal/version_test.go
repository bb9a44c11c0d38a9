package internal

import (
	"testing"
)

func TestVersion(t *testing.T) {
	a, err := NewVersion("1.2")
	if err != nil {
		t.Fatal(err)
	}

	b, err := NewVersion("2.2.1")
	if err != nil {
		t.Fatal(err)
	}

	if !a.Less(b) {
		t.Error("A should be less than B")
	}

	if b.Less(a) {
		t.Error("B shouldn't be less than A")
	}

	v200 := Version{2, 0, 0}
	if !a.Less(v200) {
		t.Error("1.2 should be less than 2.0.0")
	}

	if v200.Less(a) {
		t.Error("2.0.0 shouldn't be less than 1.2")
	}
}

func TestVersionFromRelease(t *testing.T) {
	// Shapes of uname release strings seen across distributions.
	var tests = []struct {
		name string
		s    string
		v    Version
		err  bool
	}{
		{"plain", "5.11.0", Version{5, 11, 0}, false},
		{"debian", "4.19.0-5-amd64", Version{4, 19, 0}, false},
		{"arch", "5.5.10-arch1-1", Version{5, 5, 10}, false},
		{"alpine", "4.14.167-0-virt", Version{4, 14, 167}, false},
		{"fedora", "5.0.16-100.fc28.x86_64", Version{5, 0, 16}, false},
		{"missing patch", "4.19-ovh-xxxx-std-ipv6-64", Version{4, 19, 0}, false},
		{"no digits", "generic", Version{}, true},
		{"single number", "4", Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewVersion(tt.s)
			if err != nil {
				if !tt.err {
					t.Error("unexpected error:", err)
				}
				return
			}

			if tt.err {
				t.Error("expected error, but got none")
			}

			if v != tt.v {
				t.Errorf("unexpected version for string '%s'. got: %v, want: %v", tt.s, v, tt.v)
			}
		})
	}
}

func TestVersionKernel(t *testing.T) {
	// Kernels 4.4 and 4.9 have a SUBLEVEL of over 255 and clamp it to 255.
	// The other version segments are truncated.
	if v, want := (Version{256, 256, 256}), uint32(255); v.Kernel() != want {
		t.Errorf("256.256.256 should result in a kernel version of %d, got: %d", want, v.Kernel())
	}

	// Known good version.
	if v, want := (Version{4, 9, 128}), uint32(264576); v.Kernel() != want {
		t.Errorf("4.9.128 should result in a kernel version of %d, got: %d", want, v.Kernel())
	}
}

func TestKernelVersion(t *testing.T) {
	v, err := KernelVersion()
	if err != nil {
		t.Fatal(err)
	}

	if v.Unspecified() {
		t.Error("running kernel version should not be all zero")
	}
}

package internal

import (
	"fmt"
	"testing"
)

func TestAlign(t *testing.T) {
	tests := []struct {
		n, alignment, r int
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{7, 4, 8},
		{3, 1, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.alignment), func(t *testing.T) {
			if want, got := tt.r, Align(tt.n, tt.alignment); want != got {
				t.Errorf("unexpected result for align %d to %d; want: %d, got: %d", tt.n, tt.alignment, want, got)
			}
		})
	}
}

func TestPow(t *testing.T) {
	tests := []struct {
		n int
		r bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4, true},
		{5, false},
		{8, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.n), func(t *testing.T) {
			if want, got := tt.r, IsPow(tt.n); want != got {
				t.Errorf("unexpected result for n %d; want: %v, got: %v", tt.n, want, got)
			}
		})
	}
}

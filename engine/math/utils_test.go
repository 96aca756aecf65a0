package math

import "testing"

func TestAlignUp(t *testing.T) {
	tests := []struct {
		value, alignment, want uint64
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{255, 256, 256},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.value, tt.alignment); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.value, tt.alignment, got, tt.want)
		}
	}
}

func TestPowersOfTwo(t *testing.T) {
	tests := []struct {
		value uint32
		next  uint32
		isPow bool
	}{
		{0, 1, false},
		{1, 1, true},
		{3, 4, false},
		{64, 64, true},
		{65, 128, false},
		{1 << 20, 1 << 20, true},
	}
	for _, tt := range tests {
		if got := NextPowerOfTwo(tt.value); got != tt.next {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", tt.value, got, tt.next)
		}
		if got := IsPowerOfTwo(tt.value); got != tt.isPow {
			t.Errorf("IsPowerOfTwo(%d) = %t", tt.value, got)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 0, 3) != 3 || Clamp(-1, 0, 3) != 0 || Clamp(2, 0, 3) != 2 {
		t.Error("Clamp on ints")
	}
	if Clamp(0.5, 0.0, 1.0) != 0.5 || Clamp(1.5, 0.0, 1.0) != 1.0 {
		t.Error("Clamp on floats")
	}
}

func TestMipLevelCount(t *testing.T) {
	tests := []struct {
		w, h, want uint32
	}{
		{1, 1, 1},
		{2, 1, 2},
		{256, 256, 9},
		{640, 480, 10},
		{1, 1024, 11},
	}
	for _, tt := range tests {
		if got := MipLevelCount(tt.w, tt.h); got != tt.want {
			t.Errorf("MipLevelCount(%d, %d) = %d, want %d", tt.w, tt.h, got, tt.want)
		}
	}
}

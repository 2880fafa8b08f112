package domain

import "testing"

func TestPriceEqualIsRelative(t *testing.T) {
	tests := []struct {
		a, b float64
		want bool
	}{
		{67500, 67500, true},
		{67500, 67500 + 67500*5e-10, true},
		{67500, 67500.001, false},
		{0.00000123, 0.00000124, false},
		{0, 5e-13, true},
		{0, 1e-11, false},
	}
	for _, tt := range tests {
		if got := PriceEqual(tt.a, tt.b); got != tt.want {
			t.Errorf("PriceEqual(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

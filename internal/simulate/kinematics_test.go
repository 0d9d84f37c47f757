package simulate

import (
	"testing"
)

func TestAxisAdvance(t *testing.T) {
	cases := []struct {
		name           string
		target         float64
		ticks          int
		dt             float64
		wantArrivedAt  int // tick index (1-based) arrival is expected, 0 = never within ticks
	}{
		{"reaches target within a few ticks", 100, 5, 0.1, 5},
		{"zero distance arrives immediately", 0, 1, 0.1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewLinearAxis("x", 200, 0, 500)
			a.MoveTo(tc.target)
			arrivedAt := 0
			for i := 1; i <= tc.ticks; i++ {
				if a.Advance(tc.dt) {
					arrivedAt = i
					break
				}
			}
			if tc.wantArrivedAt != 0 && arrivedAt != tc.wantArrivedAt {
				t.Fatalf("expected arrival at tick %d, got %d (position=%v)", tc.wantArrivedAt, arrivedAt, a.Position)
			}
		})
	}
}

func TestAxisMoveToRejectsOutOfLimits(t *testing.T) {
	a := NewLinearAxis("x", 200, 0, 500)
	if a.MoveTo(600) {
		t.Fatal("expected MoveTo to reject a target beyond the travel limit")
	}
	if a.HasTarget {
		t.Fatal("axis should have no outstanding target after a rejected MoveTo")
	}
}

func TestAxisClipsAtLimits(t *testing.T) {
	a := NewLinearAxis("x", 1000, 0, 500)
	a.MoveTo(500)
	a.Advance(1.0) // would overshoot without clipping
	if a.Position != 500 {
		t.Fatalf("expected position clipped to 500, got %v", a.Position)
	}
}

package geo

import (
	"math"
	"testing"
)

func TestDistanceKM_SamePoint(t *testing.T) {
	if d := DistanceKM(53.3498, -6.2603, 53.3498, -6.2603); d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
}

func TestDistanceKM_DublinToCork(t *testing.T) {
	d := DistanceKM(53.3498, -6.2603, 51.8985, -8.4756)
	// roughly 220km as the crow flies
	if math.Abs(d-220) > 5 {
		t.Errorf("expected about 220km, got %f", d)
	}
}

func TestDistanceKM_Symmetric(t *testing.T) {
	a := DistanceKM(48.8566, 2.3522, 52.52, 13.405)
	b := DistanceKM(52.52, 13.405, 48.8566, 2.3522)
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("expected symmetric distance, got %f and %f", a, b)
	}
}

package features

import (
	"math"
	"testing"
)

func TestMeanStdDev(t *testing.T) {
	if Mean(nil) != 0 || StdDev(nil) != 0 {
		t.Fatal("empty input must yield 0")
	}
	v := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := Mean(v); got != 5 {
		t.Fatalf("mean = %v", got)
	}
	if got := StdDev(v); math.Abs(got-2) > 1e-12 {
		t.Fatalf("stddev = %v", got)
	}
}

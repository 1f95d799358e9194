package stage

import "testing"

func TestBlendMapsStagePercentOntoOverallScale(t *testing.T) {
	cases := []struct {
		low, high, stage, want float64
	}{
		{0, 50, 0, 0},
		{0, 50, 100, 50},
		{0, 50, 50, 25},
		{50, 90, 0, 50},
		{50, 90, 100, 90},
		{90, 100, 50, 95},
		{0, 50, -10, 0},
		{0, 50, 150, 50},
	}
	for _, tc := range cases {
		if got := Blend(tc.low, tc.high, tc.stage); got != tc.want {
			t.Errorf("Blend(%v, %v, %v) = %v, want %v", tc.low, tc.high, tc.stage, got, tc.want)
		}
	}
}

// Package stage holds the progress policy shared by the workflow manager and
// the pipeline stages it sequences.
package stage

// Blend maps a stage-local percent in [0, 100] onto the job's overall scale.
// Stage weights are fixed pipeline policy: extraction owns 0-50, transcode
// 50-90, placement 90-100.
func Blend(low, high, stagePercent float64) float64 {
	if stagePercent < 0 {
		stagePercent = 0
	}
	if stagePercent > 100 {
		stagePercent = 100
	}
	return low + (high-low)*stagePercent/100
}

package services

// ProgressEvent is the stage-agnostic progress shape streamed by both
// coordinators. Percent is within [0, 100] for the emitting stage and is
// non-decreasing within that stage. Events are transient and never persisted
// as-is; the workflow manager folds them into the job record.
type ProgressEvent struct {
	Percent float64
	Message string
	// Speed is the realtime speed multiplier when the tool reports one,
	// otherwise zero.
	Speed float64
}

// ProgressFunc receives progress events. Implementations must be fast and
// must not block; they are invoked from the coordinator's event loop.
type ProgressFunc func(ProgressEvent)

// Package watchdog detects hung extraction and transcode processes.
//
// Two independent failure classes are tracked:
//
//   - Output stall: no line of any kind for the configured stall window.
//     Always fatal. This is the sole safety net, so the window is
//     minutes-scale: legitimate analysis phases can be silent for a while.
//
//   - Resource deadlock: the process is alive, producing no output, and
//     showing near-zero CPU utilization across N consecutive samples while a
//     minimum silence gate has also elapsed. Both conditions are required;
//     either alone produces false positives on slow drives.
//
// Any activity event resets both the stall clock and the zero-CPU counter.
// The watchdog itself never kills anything: it reports a Reason exactly once
// and the owning coordinator decides what to do with the process.
package watchdog

import (
	"context"
	"time"
)

// ReasonKind distinguishes the two failure classes.
type ReasonKind int

const (
	ReasonStall ReasonKind = iota
	ReasonDeadlock
)

func (k ReasonKind) String() string {
	if k == ReasonDeadlock {
		return "deadlock"
	}
	return "stall"
}

// Reason describes why the watchdog fired.
type Reason struct {
	Kind ReasonKind
	// Silence is how long the process had produced no output when the
	// watchdog fired.
	Silence time.Duration
	// ZeroCPUSamples is the consecutive near-zero sample count at trigger
	// time. Zero for stall verdicts.
	ZeroCPUSamples int
}

// Sampler reads the cumulative CPU time of a process in seconds.
type Sampler interface {
	CPUTime(pid int) (float64, error)
}

// Config carries the supervision tunables. These are empirically tuned and
// hardware dependent, which is why they arrive from configuration rather than
// constants.
type Config struct {
	Stall          time.Duration
	SampleInterval time.Duration
	SilenceGate    time.Duration
	ZeroCPUSamples int
	// ZeroCPUThreshold is the utilization fraction below which a sample
	// counts as "near zero". Defaults to 1%.
	ZeroCPUThreshold float64
	Sampler          Sampler
}

// Watchdog watches one process at a time.
type Watchdog struct {
	cfg Config
}

// New constructs a watchdog, filling defaults for unset fields.
func New(cfg Config) *Watchdog {
	if cfg.Stall <= 0 {
		cfg.Stall = 5 * time.Minute
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	if cfg.SilenceGate <= 0 {
		cfg.SilenceGate = time.Minute
	}
	if cfg.ZeroCPUSamples <= 0 {
		cfg.ZeroCPUSamples = 4
	}
	if cfg.ZeroCPUThreshold <= 0 {
		cfg.ZeroCPUThreshold = 0.01
	}
	return &Watchdog{cfg: cfg}
}

// Watch samples the given pid until the context is cancelled or a failure is
// detected. Every receive on activity resets the stall clock and the zero-CPU
// streak. onTrigger is invoked at most once, from this goroutine, after which
// Watch returns. Watch never panics; a sampler error simply skips that
// sample, since CPU data is corroborating evidence and the stall clock still
// protects the process.
func (w *Watchdog) Watch(ctx context.Context, pid int, activity <-chan struct{}, onTrigger func(Reason)) {
	ticker := time.NewTicker(w.cfg.SampleInterval)
	defer ticker.Stop()

	lastActivity := time.Now()
	zeroStreak := 0
	prevCPU := -1.0
	if w.cfg.Sampler != nil {
		if cpu, err := w.cfg.Sampler.CPUTime(pid); err == nil {
			prevCPU = cpu
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-activity:
			if !ok {
				// Producer went away; rely on the context to stop us.
				activity = nil
				continue
			}
			lastActivity = time.Now()
			zeroStreak = 0
		case <-ticker.C:
			silence := time.Since(lastActivity)
			if silence >= w.cfg.Stall {
				onTrigger(Reason{Kind: ReasonStall, Silence: silence})
				return
			}
			if w.cfg.Sampler == nil {
				continue
			}
			cpu, err := w.cfg.Sampler.CPUTime(pid)
			if err != nil {
				continue
			}
			if prevCPU >= 0 {
				delta := cpu - prevCPU
				utilization := delta / w.cfg.SampleInterval.Seconds()
				if utilization < w.cfg.ZeroCPUThreshold {
					zeroStreak++
				} else {
					zeroStreak = 0
				}
			}
			prevCPU = cpu
			if zeroStreak >= w.cfg.ZeroCPUSamples && silence >= w.cfg.SilenceGate {
				onTrigger(Reason{Kind: ReasonDeadlock, Silence: silence, ZeroCPUSamples: zeroStreak})
				return
			}
		}
	}
}

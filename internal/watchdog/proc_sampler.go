package watchdog

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcSampler reads cumulative CPU time from /proc/<pid>/stat.
type ProcSampler struct {
	fs procfs.FS
}

// NewProcSampler mounts the default proc filesystem.
func NewProcSampler() (*ProcSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("mount procfs: %w", err)
	}
	return &ProcSampler{fs: fs}, nil
}

// CPUTime returns user+system CPU seconds consumed by the process.
func (s *ProcSampler) CPUTime(pid int) (float64, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return 0, fmt.Errorf("open proc %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read proc %d stat: %w", pid, err)
	}
	return stat.CPUTime(), nil
}

var _ Sampler = (*ProcSampler)(nil)

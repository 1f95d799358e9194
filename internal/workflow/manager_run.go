package workflow

import (
	"context"
	"errors"
	"time"

	"ripley/internal/logging"
	"ripley/internal/queue"
)

// lane groups job kinds that share a physical resource. The disc lane owns
// the drive; the encode lane handles work with no drive dependency, so an
// encode never queues behind an extraction.
type lane struct {
	name  string
	kinds []queue.Kind
}

var lanes = []lane{
	{name: "disc", kinds: []queue.Kind{queue.KindExtract, queue.KindAudioRip}},
	{name: "encode", kinds: []queue.Kind{queue.KindTranscode, queue.KindLibraryExport}},
}

// Start launches the lane pollers. Returns an error when already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(len(lanes))
	m.mu.Unlock()

	for _, ln := range lanes {
		go m.runLane(runCtx, ln)
	}
	return nil
}

// Stop terminates the lane pollers and waits for in-flight jobs to unwind.
// Interrupted jobs are reset to pending so a restart resumes them.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runLane(ctx context.Context, ln lane) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String("lane", ln.name))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.store.NextPendingOfKinds(ctx, ln.kinds...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Error("failed to fetch next queue job", logging.Error(err))
			m.sleep(ctx, m.retryInterval)
			continue
		}
		if job == nil {
			m.sleep(ctx, m.pollInterval)
			continue
		}

		m.runJob(ctx, logger, job)
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

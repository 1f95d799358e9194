package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ripley/internal/config"
	"ripley/internal/disc"
	"ripley/internal/drives"
	"ripley/internal/encoding"
	"ripley/internal/logging"
	"ripley/internal/media/ffprobe"
	"ripley/internal/notifications"
	"ripley/internal/organizer"
	"ripley/internal/queue"
	"ripley/internal/ripping"
	"ripley/internal/ripping/vobfallback"
	"ripley/internal/services"
)

// Extractor runs one extraction attempt, primary plus fallback.
// Satisfied by *ripping.Coordinator.
type Extractor interface {
	Extract(ctx context.Context, req ripping.Request) (*ripping.Result, error)
}

// Transcoder runs one encode. Satisfied by *encoding.Coordinator.
type Transcoder interface {
	Transcode(ctx context.Context, req encoding.Request) (*encoding.Result, error)
}

// Placer moves finished artifacts into the library. Satisfied by
// *organizer.Organizer.
type Placer interface {
	Place(ctx context.Context, req organizer.Request) (*organizer.Result, error)
}

// Dependencies carries the collaborators the Manager drives. Nil fields are
// filled with production implementations.
type Dependencies struct {
	Extractor  Extractor
	Transcoder Transcoder
	Placer     Placer
	Drives     *drives.Manager
	Ejector    disc.Ejector
	Notifier   notifications.Service
	Inspect    ffprobe.Inspector
}

// Manager coordinates queue processing across the pipeline stages.
type Manager struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger

	extractor  Extractor
	transcoder Transcoder
	placer     Placer
	drives     *drives.Manager
	ejector    disc.Ejector
	notifier   notifications.Service
	inspect    ffprobe.Inspector

	pollInterval  time.Duration
	retryInterval time.Duration

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastErr  error
	active   map[int64]*activeJob
	watchers map[int64][]chan services.ProgressEvent
}

type activeJob struct {
	cancel          context.CancelFunc
	cancelRequested bool
}

// NewManager constructs a Manager with production collaborators.
func NewManager(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Manager {
	return NewManagerWithDependencies(cfg, store, logger, Dependencies{})
}

// NewManagerWithDependencies constructs a Manager with explicit
// collaborators. Tests substitute stubs through deps.
func NewManagerWithDependencies(cfg *config.Config, store *queue.Store, logger *slog.Logger, deps Dependencies) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.Extractor == nil {
		var opts []ripping.Option
		if cfg.Fallback.Enabled {
			opts = append(opts, ripping.WithFallback(vobfallback.NewRunner(cfg, logger)))
		}
		deps.Extractor = ripping.NewCoordinator(cfg, logger, opts...)
	}
	if deps.Transcoder == nil {
		deps.Transcoder = encoding.NewCoordinator(cfg, logger)
	}
	if deps.Placer == nil {
		deps.Placer = organizer.New(cfg, logger)
	}
	if deps.Drives == nil {
		deps.Drives = drives.NewManager(cfg.LockDir())
	}
	if deps.Ejector == nil {
		deps.Ejector = disc.NewEjector()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.NewService(cfg)
	}
	if deps.Inspect == nil {
		deps.Inspect = ffprobe.Inspect
	}
	return &Manager{
		cfg:           cfg,
		store:         store,
		logger:        logging.WithComponent(logger, "workflow"),
		extractor:     deps.Extractor,
		transcoder:    deps.Transcoder,
		placer:        deps.Placer,
		drives:        deps.Drives,
		ejector:       deps.Ejector,
		notifier:      deps.Notifier,
		inspect:       deps.Inspect,
		pollInterval:  time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		retryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		active:        make(map[int64]*activeJob),
		watchers:      make(map[int64][]chan services.ProgressEvent),
	}
}

// SubmitRequest describes one new job.
type SubmitRequest struct {
	Kind       queue.Kind
	DiscTitle  string
	Device     string
	DriveIndex int
	Titles     []queue.TitleSelection
}

// Submit persists a new pending job and returns it. The lane pollers pick it
// up on their next tick.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*queue.Job, error) {
	if req.Kind == "" {
		return nil, services.Wrap(services.ErrValidation, "workflow", "submit", "job kind required", nil)
	}
	if strings.TrimSpace(req.DiscTitle) == "" {
		req.DiscTitle = "Unknown Disc"
	}
	titlesJSON, err := queue.EncodeTitles(req.Titles)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "workflow", "submit", "encode title selections", err)
	}
	job, err := m.store.NewJob(ctx, req.Kind, req.DiscTitle, req.Device, req.DriveIndex, titlesJSON)
	if err != nil {
		return nil, err
	}
	m.logger.Info("job submitted",
		logging.Int64("job_id", job.ID),
		logging.String("kind", string(job.Kind)),
		logging.String("disc_title", job.DiscTitle),
	)
	return job, nil
}

// Cancel stops a job. Running jobs get their stage context cancelled and
// settle to cancelled asynchronously; pending jobs transition immediately.
// Cancelling twice, or cancelling an already terminal job, returns the same
// terminal status without error.
func (m *Manager) Cancel(ctx context.Context, id int64) (queue.Status, error) {
	m.mu.Lock()
	if aj, ok := m.active[id]; ok {
		aj.cancelRequested = true
		aj.cancel()
		m.mu.Unlock()
		return queue.StatusCancelled, nil
	}
	m.mu.Unlock()

	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", services.Wrap(services.ErrNotFound, "workflow", "cancel", fmt.Sprintf("job %d not found", id), nil)
	}
	if job.Status.IsTerminal() {
		return job.Status, nil
	}
	job.Status = queue.StatusCancelled
	job.SetProgress("Cancelled", "Cancelled before start", job.ProgressPercent)
	if err := m.store.Update(ctx, job); err != nil {
		if errors.Is(err, queue.ErrTerminalState) {
			if current, getErr := m.store.GetByID(ctx, id); getErr == nil && current != nil {
				return current.Status, nil
			}
		}
		return "", err
	}
	return queue.StatusCancelled, nil
}

// Progress subscribes to a job's progress stream. The returned cancel func
// must be called to release the subscription. Events are transient; slow
// consumers miss intermediate updates rather than blocking the pipeline.
func (m *Manager) Progress(jobID int64) (<-chan services.ProgressEvent, func()) {
	ch := make(chan services.ProgressEvent, 16)
	m.mu.Lock()
	m.watchers[jobID] = append(m.watchers[jobID], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		subs := m.watchers[jobID]
		for i, sub := range subs {
			if sub == ch {
				m.watchers[jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(m.watchers[jobID]) == 0 {
			delete(m.watchers, jobID)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

func (m *Manager) publish(jobID int64, event services.ProgressEvent) {
	m.mu.RLock()
	subs := m.watchers[jobID]
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	m.mu.RUnlock()
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) registerActive(id int64, cancel context.CancelFunc) *activeJob {
	aj := &activeJob{cancel: cancel}
	m.mu.Lock()
	m.active[id] = aj
	m.mu.Unlock()
	return aj
}

func (m *Manager) unregisterActive(id int64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) cancelWasRequested(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	aj, ok := m.active[id]
	return ok && aj.cancelRequested
}

// StatusSummary is a lightweight health snapshot for the status surfaces.
type StatusSummary struct {
	Running   bool
	LastError string
	Queue     queue.HealthSummary
}

// Status reports whether the lanes are running plus aggregate queue counts.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	m.mu.RUnlock()

	summary := StatusSummary{Running: running}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	health, err := m.store.Health(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue health", logging.Error(err))
	} else {
		summary.Queue = health
	}
	return summary
}

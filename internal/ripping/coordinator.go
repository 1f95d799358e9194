package ripping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"ripley/internal/config"
	"ripley/internal/logging"
	"ripley/internal/process"
	"ripley/internal/queue"
	"ripley/internal/services"
	"ripley/internal/services/makemkv"
	"ripley/internal/watchdog"
)

// State tracks one extraction attempt through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateSpawned
	StateProgressing
	StateErrorAccumulating
	StateSucceeded
	StateFailedRecoverable
	StateFailedFatal
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateProgressing:
		return "progressing"
	case StateErrorAccumulating:
		return "error-accumulating"
	case StateSucceeded:
		return "succeeded"
	case StateFailedRecoverable:
		return "failed-recoverable"
	case StateFailedFatal:
		return "failed-fatal"
	default:
		return "idle"
	}
}

// Medium identifies the physical layout of the inserted disc, which decides
// whether a raw-container fallback exists for it.
type Medium string

const (
	MediumUnknown Medium = ""
	MediumDVD     Medium = "dvd"
	MediumBluRay  Medium = "bluray"
)

// Request describes one extraction run.
type Request struct {
	Device     string
	DriveIndex int
	Medium     Medium
	DiscTitle  string
	// Titles lists the logical titles to extract, in order. Empty means all
	// titles in one invocation, correlated afterwards by the file naming
	// convention.
	Titles  []queue.TitleSelection
	DestDir string
	// GroupHints maps title IDs to raw container group IDs when a disc scan
	// captured the correlation. The fallback prefers these over its
	// duration-matching heuristic.
	GroupHints map[int]string
	// Progress receives stage-local progress in [0, 100], blended across
	// sequential titles. Optional.
	Progress services.ProgressFunc
	// OnFirstFile fires once when the first produced file appears in
	// DestDir, enabling early pipeline handoff. Purely an optimization.
	OnFirstFile func(path string)
}

// TitleFile correlates one requested title with its produced artifact.
// Unmapped entries are explicit so partial coverage stays visible.
type TitleFile struct {
	TitleID  int
	Category queue.TitleCategory
	Path     string
	Unmapped bool
	Detail   string
}

// Result is the outcome of one extraction run, primary or fallback.
type Result struct {
	Success      bool
	Files        []string
	TitleFiles   []TitleFile
	ReadErrors   []makemkv.ReadError
	UsedFallback bool
}

// MappedCount returns how many requested titles produced an artifact.
func (r *Result) MappedCount() int {
	count := 0
	for _, tf := range r.TitleFiles {
		if !tf.Unmapped {
			count++
		}
	}
	return count
}

// Unmapped returns the title IDs that produced no artifact.
func (r *Result) Unmapped() []int {
	var ids []int
	for _, tf := range r.TitleFiles {
		if tf.Unmapped {
			ids = append(ids, tf.TitleID)
		}
	}
	return ids
}

// Recoverer is the raw-container fallback strategy, invoked at most once per
// extraction run after total primary failure.
type Recoverer interface {
	Recover(ctx context.Context, req Request) (*Result, error)
}

// Handle is the supervised-process surface the coordinator needs. Satisfied
// by *process.Handle; tests substitute scripted stubs.
type Handle interface {
	Lines() <-chan process.Line
	Wait() process.ExitStatus
	PID() int
	Kill()
	Stop(grace time.Duration)
}

// Launcher spawns the extraction tool.
type Launcher func(ctx context.Context, spec process.Spec) (Handle, error)

func defaultLauncher(ctx context.Context, spec process.Spec) (Handle, error) {
	return process.Start(ctx, spec)
}

// Coordinator drives extraction for one job at a time. The drive token is
// the caller's responsibility; this type assumes it already holds the drive.
type Coordinator struct {
	cfg      *config.Config
	logger   *slog.Logger
	launch   Launcher
	watchdog *watchdog.Watchdog
	fallback Recoverer
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLauncher overrides process spawning, used by tests.
func WithLauncher(l Launcher) Option {
	return func(c *Coordinator) { c.launch = l }
}

// WithFallback installs the raw-container recoverer.
func WithFallback(r Recoverer) Option {
	return func(c *Coordinator) { c.fallback = r }
}

// WithWatchdog overrides the default watchdog, used by tests to compress
// timing.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(c *Coordinator) { c.watchdog = w }
}

// NewCoordinator constructs the extraction coordinator from configuration.
func NewCoordinator(cfg *config.Config, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "ripping"),
		launch: defaultLauncher,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.watchdog == nil {
		wdCfg := watchdog.Config{
			Stall:          time.Duration(cfg.Watchdog.StallTimeout) * time.Second,
			SampleInterval: time.Duration(cfg.Watchdog.SampleInterval) * time.Second,
			SilenceGate:    time.Duration(cfg.Watchdog.SilenceGate) * time.Second,
			ZeroCPUSamples: cfg.Watchdog.ZeroCPUSamples,
		}
		if sampler, err := watchdog.NewProcSampler(); err == nil {
			wdCfg.Sampler = sampler
		} else {
			c.logger.Warn("cpu sampler unavailable, stall detection only", logging.Error(err))
		}
		c.watchdog = watchdog.New(wdCfg)
	}
	return c
}

// Extract runs the primary extraction, falling back to the raw-container
// strategy on total primary failure when the medium supports one. The
// returned error is non-nil only for fatal outcomes; partial coverage is a
// successful result with explicit unmapped entries.
func (c *Coordinator) Extract(ctx context.Context, req Request) (*Result, error) {
	logger := logging.WithContext(ctx, c.logger)
	if req.DestDir == "" {
		return nil, services.Wrap(services.ErrValidation, "ripping", "extract", "destination directory required", nil)
	}
	if err := os.MkdirAll(req.DestDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "ripping", "create destination", req.DestDir, err)
	}

	result := &Result{}
	run := newRun(c, req)

	var runErr error
	if len(req.Titles) == 0 {
		runErr = run.extractAll(ctx, result)
	} else {
		for index, title := range req.Titles {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if runErr = run.extractTitle(ctx, result, title, index, len(req.Titles)); runErr != nil {
				break
			}
		}
	}

	if runErr == nil && (result.MappedCount() > 0 || len(result.Files) > 0) {
		result.Success = true
		logger.Info("extraction complete",
			logging.Int("produced", len(result.Files)),
			logging.Int("unmapped", len(result.Unmapped())),
			logging.Int("read_errors", len(result.ReadErrors)))
		return result, nil
	}

	if runErr != nil {
		// Startup failures are final; no fallback can help a missing binary.
		// Stall and read-ceiling verdicts already killed this drive's run,
		// so replaying the same disc through the fallback would repeat them.
		if services.IsFatalStartup(runErr) ||
			errors.Is(runErr, services.ErrStall) ||
			errors.Is(runErr, services.ErrMediaRead) {
			return result, runErr
		}
	}

	// Total primary failure. One fallback attempt when the medium has a raw
	// container layout; its result replaces the primary's.
	if c.fallback != nil && req.Medium == MediumDVD &&
		result.MappedCount() == 0 && len(result.Files) == 0 {
		logger.Warn("primary extraction produced nothing, invoking raw-container fallback")
		req.GroupHints = mergeHints(req.GroupHints, run.groupHints)
		// The caller's selections stay untouched; the fallback sees a copy
		// with observed durations filled in where the caller had none.
		titles := make([]queue.TitleSelection, len(req.Titles))
		copy(titles, req.Titles)
		for i := range titles {
			if titles[i].DurationSeconds <= 0 {
				titles[i].DurationSeconds = run.titleDurations[titles[i].ID]
			}
		}
		req.Titles = titles
		recovered, err := c.fallback.Recover(ctx, req)
		if err != nil {
			return result, err
		}
		recovered.UsedFallback = true
		recovered.ReadErrors = append(result.ReadErrors, recovered.ReadErrors...)
		return recovered, nil
	}

	if runErr != nil {
		return result, runErr
	}
	return result, services.Wrap(services.ErrToolExit, "ripping", "extract",
		fmt.Sprintf("no usable output for %q and no fallback available", req.DiscTitle), nil)
}

// run carries per-extraction state shared across sequential title attempts.
type run struct {
	c   *Coordinator
	req Request

	firstFileMu    sync.Mutex
	firstFileSeen  bool
	lastFirstCheck time.Time
	lastPercent    float64
	// groupHints and titleDurations collect title-to-container correlations
	// and probed durations observed in TINFO output during the run, handed to
	// the fallback on total failure.
	groupHints     map[int]string
	titleDurations map[int]float64
}

func newRun(c *Coordinator, req Request) *run {
	return &run{
		c:              c,
		req:            req,
		groupHints:     make(map[int]string),
		titleDurations: make(map[int]float64),
	}
}

// TINFO attributes the coordinator harvests: the title duration and the
// on-disc source file name, e.g. "VTS_03_1.VOB".
const (
	tinfoDuration   = 9
	tinfoSourceFile = 16
)

var vtsSourcePattern = regexp.MustCompile(`(?i)VTS_(\d+)`)

// recordTrackInfo remembers fallback-relevant title metadata. The first
// observation wins; MakeMKV repeats attributes per stream.
func (r *run) recordTrackInfo(track makemkv.TrackInfo) {
	switch track.Attr {
	case tinfoSourceFile:
		match := vtsSourcePattern.FindStringSubmatch(track.Value)
		if match == nil {
			return
		}
		if _, seen := r.groupHints[track.TitleID]; !seen {
			r.groupHints[track.TitleID] = match[1]
		}
	case tinfoDuration:
		seconds, ok := makemkv.ParseDurationSeconds(track.Value)
		if !ok {
			return
		}
		if _, seen := r.titleDurations[track.TitleID]; !seen {
			r.titleDurations[track.TitleID] = seconds
		}
	}
}

// mergeHints overlays observed hints under caller-supplied ones.
func mergeHints(explicit, observed map[int]string) map[int]string {
	if len(observed) == 0 {
		return explicit
	}
	merged := make(map[int]string, len(explicit)+len(observed))
	for id, group := range observed {
		merged[id] = group
	}
	for id, group := range explicit {
		merged[id] = group
	}
	return merged
}

// extractTitle runs one makemkvcon invocation for one title and records its
// outcome on result. Only fatal verdicts return an error; a recoverable
// failure records the title as unmapped and lets the sequence continue.
func (r *run) extractTitle(ctx context.Context, result *Result, title queue.TitleSelection, index, total int) error {
	attempt, err := r.runProcess(ctx, makemkv.RipArgs(r.req.DriveIndex, title.ID, r.req.DestDir), index, total)
	if err != nil {
		return err
	}
	result.ReadErrors = append(result.ReadErrors, attempt.readErrors...)

	if fatalErr := attempt.fatalError(); fatalErr != nil {
		result.TitleFiles = append(result.TitleFiles, TitleFile{
			TitleID:  title.ID,
			Category: title.Category,
			Unmapped: true,
			Detail:   fatalErr.Error(),
		})
		return fatalErr
	}

	path, ok := attempt.fileForTitle(title.ID)
	if !ok {
		detail := attempt.failureDetail()
		r.c.logger.Warn("title produced no output",
			logging.Int("title_id", title.ID),
			logging.String("detail", detail))
		result.TitleFiles = append(result.TitleFiles, TitleFile{
			TitleID:  title.ID,
			Category: title.Category,
			Unmapped: true,
			Detail:   detail,
		})
		return nil
	}

	result.Files = append(result.Files, path)
	result.TitleFiles = append(result.TitleFiles, TitleFile{
		TitleID:  title.ID,
		Category: title.Category,
		Path:     path,
	})
	return nil
}

// extractAll rips every title in one invocation and correlates files by the
// naming convention afterwards.
func (r *run) extractAll(ctx context.Context, result *Result) error {
	attempt, err := r.runProcess(ctx, makemkv.RipArgs(r.req.DriveIndex, -1, r.req.DestDir), 0, 1)
	if err != nil {
		return err
	}
	result.ReadErrors = append(result.ReadErrors, attempt.readErrors...)
	if fatalErr := attempt.fatalError(); fatalErr != nil {
		return fatalErr
	}
	for _, path := range attempt.produced {
		result.Files = append(result.Files, path)
		tf := TitleFile{Path: path}
		if id, ok := titleIDFromName(path); ok {
			tf.TitleID = id
		}
		result.TitleFiles = append(result.TitleFiles, tf)
	}
	return nil
}

// attemptOutcome captures everything observed during one tool invocation.
type attemptOutcome struct {
	state      State
	produced   []string
	readErrors []makemkv.ReadError
	fatalMsg   string
	wdReason   *watchdog.Reason
	ceilingHit bool
	timedOut   bool
	exit       process.ExitStatus
}

// fatalError maps the attempt's terminal state to a classified error, or nil
// when the failure (if any) is recoverable.
func (a *attemptOutcome) fatalError() error {
	if a.wdReason != nil {
		return services.Wrap(services.ErrStall, "ripping", "watchdog",
			fmt.Sprintf("%s after %s of silence", a.wdReason.Kind, a.wdReason.Silence.Round(time.Second)), nil)
	}
	if a.ceilingHit {
		return services.Wrap(services.ErrMediaRead, "ripping", "read errors",
			fmt.Sprintf("%d media read errors crossed the ceiling", len(a.readErrors)), nil)
	}
	if a.timedOut {
		return services.Wrap(services.ErrStall, "ripping", "rip timeout",
			"invocation exceeded its time ceiling", nil)
	}
	return nil
}

func (a *attemptOutcome) failureDetail() string {
	if a.fatalMsg != "" {
		return a.fatalMsg
	}
	if a.exit.Err != nil {
		return a.exit.Err.Error()
	}
	return fmt.Sprintf("no new files (exit code %d)", a.exit.Code)
}

// fileForTitle resolves this attempt's produced file for the given title,
// preferring the naming convention and falling back to the single new file.
func (a *attemptOutcome) fileForTitle(titleID int) (string, bool) {
	if a.state != StateSucceeded {
		return "", false
	}
	want := makemkv.TitleFileName(titleID)
	for _, path := range a.produced {
		if filepath.Base(path) == want {
			return path, true
		}
	}
	// No convention match: the per-spawn diff is authoritative, so any new
	// file belongs to this title. newFiles already sorts, keeping the pick
	// deterministic when several appear.
	if len(a.produced) > 0 {
		return a.produced[0], true
	}
	return "", false
}

// runProcess owns one full spawn-consume-wait cycle, including the watchdog,
// the read-error ceiling, and the directory diff.
func (r *run) runProcess(ctx context.Context, args []string, titleIndex, totalTitles int) (*attemptOutcome, error) {
	logger := logging.WithContext(ctx, r.c.logger)
	outcome := &attemptOutcome{state: StateIdle}

	baseline, err := snapshotDir(r.req.DestDir)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "ripping", "baseline snapshot", "", err)
	}

	// Each invocation gets its own time ceiling; expiry cancels the spawn
	// context, which stops the process and closes its line stream.
	parent := ctx
	if ceiling := r.c.cfg.MakeMKV.RipTimeout; ceiling > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ceiling)*time.Second)
		defer cancel()
	}

	handle, err := r.c.launch(ctx, process.Spec{
		Command: r.c.cfg.MakemkvBinary(),
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	outcome.state = StateSpawned
	logger.Info("extraction tool spawned",
		logging.Int("pid", handle.PID()),
		logging.Int("title_index", titleIndex),
		logging.Int("total_titles", totalTitles))

	activity := make(chan struct{}, 1)
	wdCtx, stopWatchdog := context.WithCancel(ctx)
	defer stopWatchdog()

	var wdMu sync.Mutex
	go r.c.watchdog.Watch(wdCtx, handle.PID(), activity, func(reason watchdog.Reason) {
		wdMu.Lock()
		outcome.wdReason = &reason
		wdMu.Unlock()
		logger.Error("watchdog fired, killing extraction tool",
			logging.String("reason", reason.Kind.String()),
			logging.Duration("silence", reason.Silence))
		handle.Kill()
	})

	ceiling := r.c.cfg.MakeMKV.ReadErrorCeiling
	for line := range handle.Lines() {
		event, ok := makemkv.ParseLine(line.Text)
		if !ok {
			continue
		}
		notifyActivity(activity)

		switch event.Kind {
		case makemkv.EventProgress:
			outcome.state = StateProgressing
			r.emitProgress(event.Progress, titleIndex, totalTitles)
			r.checkFirstFile(baseline)
		case makemkv.EventReadError:
			outcome.state = StateErrorAccumulating
			outcome.readErrors = append(outcome.readErrors, event.ReadError)
			if ceiling > 0 && len(outcome.readErrors) >= ceiling && !outcome.ceilingHit {
				outcome.ceilingHit = true
				logger.Error("read-error ceiling crossed, killing extraction tool",
					logging.Int("read_errors", len(outcome.readErrors)),
					logging.Int("ceiling", ceiling))
				handle.Kill()
			}
		case makemkv.EventFatal:
			outcome.fatalMsg = event.Message
			logger.Warn("extraction tool reported failure", logging.String("message", event.Message))
		case makemkv.EventTrackInfo:
			r.recordTrackInfo(event.Track)
		case makemkv.EventInfo:
			logger.Debug("tool message", logging.Int("code", event.Code), logging.String("message", event.Message))
		}
	}

	stopWatchdog()
	outcome.exit = handle.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		outcome.timedOut = true
		logger.Error("rip time ceiling crossed, extraction tool stopped",
			logging.Int("ceiling_seconds", r.c.cfg.MakeMKV.RipTimeout))
	}

	produced, err := newFiles(r.req.DestDir, baseline)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "ripping", "output diff", "", err)
	}
	outcome.produced = produced

	wdMu.Lock()
	fired := outcome.wdReason != nil
	wdMu.Unlock()

	switch {
	case fired, outcome.ceilingHit, outcome.timedOut:
		outcome.state = StateFailedFatal
	case outcome.fatalMsg == "" && len(produced) > 0:
		// Exit code is deliberately ignored here: the textual protocol is
		// the authoritative success signal.
		outcome.state = StateSucceeded
	default:
		outcome.state = StateFailedRecoverable
	}

	logger.Info("extraction attempt finished",
		logging.String("state", outcome.state.String()),
		logging.Int("exit_code", outcome.exit.Code),
		logging.Int("new_files", len(produced)),
		logging.Int("read_errors", len(outcome.readErrors)))
	return outcome, nil
}

// emitProgress blends one title's percentage into the overall run percent:
// (titleIndex + titlePercent/100) / totalTitles * 100. The blend is monotonic
// because titleIndex only increases and per-title percent is clamped.
func (r *run) emitProgress(p makemkv.Progress, titleIndex, totalTitles int) {
	if r.req.Progress == nil {
		return
	}
	overall := (float64(titleIndex) + p.Percent()/100) / float64(totalTitles) * 100
	if overall < r.lastPercent {
		overall = r.lastPercent
	}
	r.lastPercent = overall
	r.req.Progress(services.ProgressEvent{
		Percent: overall,
		Message: fmt.Sprintf("Extracting title %d of %d", titleIndex+1, totalTitles),
	})
}

// checkFirstFile performs the optional early-handoff directory diff, at most
// every two seconds, until the first produced file is seen.
func (r *run) checkFirstFile(baseline map[string]struct{}) {
	if r.req.OnFirstFile == nil {
		return
	}
	r.firstFileMu.Lock()
	defer r.firstFileMu.Unlock()
	if r.firstFileSeen || time.Since(r.lastFirstCheck) < 2*time.Second {
		return
	}
	r.lastFirstCheck = time.Now()
	produced, err := newFiles(r.req.DestDir, baseline)
	if err != nil || len(produced) == 0 {
		return
	}
	r.firstFileSeen = true
	r.req.OnFirstFile(produced[0])
}

// notifyActivity resets the watchdog without ever blocking the event loop.
func notifyActivity(activity chan<- struct{}) {
	select {
	case activity <- struct{}{}:
	default:
	}
}


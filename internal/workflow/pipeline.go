package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"ripley/internal/encoding"
	"ripley/internal/logging"
	"ripley/internal/organizer"
	"ripley/internal/queue"
	"ripley/internal/ripping"
	"ripley/internal/services"
	"ripley/internal/services/ffmpeg"
	"ripley/internal/stage"
)

// Stage weights. Extraction owns the first half because it is the slow,
// failure-prone half; placement is nearly instant.
const (
	extractionLow  = 0
	extractionHigh = 50
	transcodeLow   = 50
	transcodeHigh  = 90
	placementLow   = 90
	placementHigh  = 100
)

// persistInterval throttles progress writes to the store. Subscribers still
// see every published event.
const persistInterval = 500 * time.Millisecond

type jobRun struct {
	m      *Manager
	job    *queue.Job
	logger *slog.Logger

	lastPercent float64
	lastPersist time.Time
}

func (m *Manager) runJob(ctx context.Context, laneLogger *slog.Logger, job *queue.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.registerActive(job.ID, cancel)
	defer m.unregisterActive(job.ID)

	stageCtx := services.WithJobID(jobCtx, job.ID)
	stageCtx = services.WithRequestID(stageCtx, uuid.NewString())
	logger := logging.WithContext(stageCtx, laneLogger)

	run := &jobRun{m: m, job: job, logger: logger}

	job.Status = queue.StatusRunning
	job.SetProgress("Starting", "Job started", 0)
	job.ErrorMessage = ""
	if err := m.store.Update(stageCtx, job); err != nil {
		m.setLastError(err)
		logger.Error("failed to transition job to running", logging.Error(err))
		return
	}
	logger.Info("job started",
		logging.String("kind", string(job.Kind)),
		logging.String("disc_title", job.DiscTitle),
	)
	if err := m.notifier.NotifyJobStarted(stageCtx, job.DiscTitle); err != nil {
		logger.Debug("start notification failed", logging.Error(err))
	}

	err := run.execute(stageCtx)
	switch {
	case err == nil:
		// Terminal state already persisted by the placement stage.
	case jobCtx.Err() != nil && m.cancelWasRequested(job.ID):
		run.finalizeCancelled()
	case ctx.Err() != nil:
		run.finalizeInterrupted()
	default:
		run.finalizeFailed(stageCtx, err)
	}
}

func (r *jobRun) execute(ctx context.Context) error {
	switch r.job.Kind {
	case queue.KindExtract, queue.KindAudioRip:
		return r.executeDiscJob(ctx)
	case queue.KindTranscode:
		return r.executeTranscodeJob(ctx)
	case queue.KindLibraryExport:
		return r.executeExportJob(ctx)
	default:
		return services.Wrap(services.ErrValidation, "workflow", "dispatch",
			fmt.Sprintf("unknown job kind %q", r.job.Kind), nil)
	}
}

// executeDiscJob runs the full pipeline: extraction, per-title transcode,
// library placement.
func (r *jobRun) executeDiscJob(ctx context.Context) error {
	titles, err := queue.DecodeTitles(r.job.TitlesJSON)
	if err != nil {
		return services.Wrap(services.ErrValidation, "extraction", "decode titles", "corrupt title selections", err)
	}

	token, err := r.m.drives.Acquire(ctx, r.job.DriveIndex)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return services.Wrap(services.ErrTransient, "extraction", "acquire drive",
			fmt.Sprintf("drive %d unavailable", r.job.DriveIndex), err)
	}
	// Release must run on every exit path, including cancellation. Release
	// is idempotent, so the early release after extraction is safe too.
	defer token.Release()

	ripDir := filepath.Join(r.stagingDir(), "rip")
	if err := os.MkdirAll(ripDir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "extraction", "prepare staging", ripDir, err)
	}

	result, err := r.m.extractor.Extract(ctx, ripping.Request{
		Device:     r.job.Device,
		DriveIndex: r.job.DriveIndex,
		Medium:     ripping.MediumDVD,
		DiscTitle:  r.job.DiscTitle,
		Titles:     titles,
		DestDir:    ripDir,
		Progress: func(event services.ProgressEvent) {
			r.updateProgress(ctx, "Extracting", event.Message,
				stage.Blend(extractionLow, extractionHigh, event.Percent))
		},
		OnFirstFile: func(path string) {
			r.logger.Info("first artifact appeared", logging.String("file", filepath.Base(path)))
		},
	})
	if err != nil {
		return err
	}

	// The drive is done. Free it before the transcode stage so the next
	// disc job can start while this one encodes.
	if relErr := token.Release(); relErr != nil {
		r.logger.Warn("drive token release failed", logging.Error(relErr))
	}
	r.ejectDisc(ctx)

	if result.UsedFallback {
		r.logger.Warn("primary extraction failed, outputs recovered from raw containers",
			logging.Int("read_errors", len(result.ReadErrors)))
	}
	if len(result.ReadErrors) > 0 {
		r.logger.Warn("extraction completed with read errors",
			logging.Int("read_errors", len(result.ReadErrors)),
			logging.String("first_error", result.ReadErrors[0].SourcePath),
		)
	}

	unmapped := unmappedRecords(result)
	for _, record := range unmapped {
		r.logger.Warn("title produced no artifact",
			logging.Int("title_id", record.TitleID),
			logging.String("detail", record.Detail),
		)
	}
	r.updateProgress(ctx, "Extracting", "Extraction complete", extractionHigh)

	artifacts, encodeFailures, err := r.transcodeStage(ctx, result, titles)
	if err != nil {
		return err
	}
	unmapped = append(unmapped, encodeFailures...)

	return r.placementStage(ctx, artifacts, unmapped)
}

// executeTranscodeJob encodes an existing source file. The job's device
// field carries the source path for this kind.
func (r *jobRun) executeTranscodeJob(ctx context.Context) error {
	source := strings.TrimSpace(r.job.Device)
	if source == "" {
		return services.Wrap(services.ErrValidation, "transcode", "resolve source", "source path required", nil)
	}

	artifact, err := r.transcodeOne(ctx, organizer.Artifact{
		TitleID:  0,
		Category: queue.CategoryMain,
		Path:     source,
	}, "", 0, 1, transcodeFullRange)
	if err != nil {
		return err
	}
	return r.placementStage(ctx, []organizer.Artifact{artifact}, nil)
}

// executeExportJob re-places previously recorded outputs, refreshing the
// fan-out destinations.
func (r *jobRun) executeExportJob(ctx context.Context) error {
	records, err := queue.DecodeOutputs(r.job.OutputsJSON)
	if err != nil {
		return services.Wrap(services.ErrValidation, "placement", "decode outputs", "corrupt output records", err)
	}
	var artifacts []organizer.Artifact
	for _, record := range records {
		if record.Unmapped || record.Path == "" {
			continue
		}
		artifacts = append(artifacts, organizer.Artifact{
			TitleID:  record.TitleID,
			Category: queue.CategoryMain,
			Path:     record.Path,
		})
	}
	if len(artifacts) == 0 {
		return services.Wrap(services.ErrValidation, "placement", "resolve outputs", "no recorded outputs to export", nil)
	}
	return r.placementStage(ctx, artifacts, nil)
}

// blendRange maps a stage-local percent into the overall scale.
type blendRange struct{ low, high float64 }

var (
	transcodeRange     = blendRange{transcodeLow, transcodeHigh}
	transcodeFullRange = blendRange{0, transcodeHigh}
)

// transcodeStage encodes every mapped title sequentially. One title failing
// does not abort the rest; the job fails only when nothing encodes.
func (r *jobRun) transcodeStage(ctx context.Context, result *ripping.Result, titles []queue.TitleSelection) ([]organizer.Artifact, []queue.OutputRecord, error) {
	hintByID := make(map[int]string, len(titles))
	for _, title := range titles {
		if hint := strings.TrimSpace(title.OutputHint); hint != "" {
			hintByID[title.ID] = hint
		}
	}

	var mapped []ripping.TitleFile
	for _, tf := range result.TitleFiles {
		if !tf.Unmapped {
			mapped = append(mapped, tf)
		}
	}
	if len(mapped) == 0 {
		return nil, nil, services.Wrap(services.ErrToolExit, "transcode", "collect sources", "extraction produced no usable titles", nil)
	}

	var (
		artifacts []organizer.Artifact
		failures  []queue.OutputRecord
		lastErr   error
	)
	for i, tf := range mapped {
		artifact, err := r.transcodeOne(ctx, organizer.Artifact{
			TitleID:  tf.TitleID,
			Category: tf.Category,
			Path:     tf.Path,
		}, hintByID[tf.TitleID], i, len(mapped), transcodeRange)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			lastErr = err
			r.logger.Error("title transcode failed",
				logging.Int("title_id", tf.TitleID),
				logging.Error(err),
			)
			failures = append(failures, queue.OutputRecord{
				TitleID:  tf.TitleID,
				Unmapped: true,
				Detail:   fmt.Sprintf("transcode failed: %v", err),
			})
			continue
		}
		artifacts = append(artifacts, artifact)
	}
	if len(artifacts) == 0 {
		return nil, nil, lastErr
	}
	return artifacts, failures, nil
}

func (r *jobRun) transcodeOne(ctx context.Context, source organizer.Artifact, stemHint string, index, total int, rng blendRange) (organizer.Artifact, error) {
	profile := r.profile()

	totalDuration := 0.0
	if probe, err := r.m.inspect(ctx, r.m.cfg.FFprobeBinary(), source.Path); err != nil {
		r.logger.Warn("source probe failed, progress will hold at zero",
			logging.String("file", filepath.Base(source.Path)),
			logging.Error(err),
		)
	} else {
		totalDuration = probe.DurationSeconds()
	}

	encodedDir := filepath.Join(r.stagingDir(), "encoded")
	stem := strings.TrimSpace(stemHint)
	if stem == "" {
		stem = strings.TrimSuffix(filepath.Base(source.Path), filepath.Ext(source.Path))
	}
	output := filepath.Join(encodedDir, stem+profile.OutputExt())

	result, err := r.m.transcoder.Transcode(ctx, encoding.Request{
		Source:        source.Path,
		Output:        output,
		Profile:       profile,
		TotalDuration: totalDuration,
		Progress: func(event services.ProgressEvent) {
			overall := (float64(index) + event.Percent/100) / float64(total) * 100
			r.updateProgress(ctx, "Transcoding", event.Message,
				stage.Blend(rng.low, rng.high, overall))
		},
	})
	if err != nil {
		return organizer.Artifact{}, err
	}
	return organizer.Artifact{
		TitleID:  source.TitleID,
		Category: source.Category,
		Path:     result.Output,
	}, nil
}

func (r *jobRun) profile() ffmpeg.Profile {
	if r.job.Kind == queue.KindAudioRip {
		return ffmpeg.ParseProfile(r.m.cfg.FFmpeg.AudioProfile)
	}
	return ffmpeg.ParseProfile(r.m.cfg.FFmpeg.VideoProfile)
}

// placementStage moves artifacts into the library, records outputs, and
// persists the completed terminal state.
func (r *jobRun) placementStage(ctx context.Context, artifacts []organizer.Artifact, unmapped []queue.OutputRecord) error {
	placed, err := r.m.placer.Place(ctx, organizer.Request{
		DiscTitle: r.job.DiscTitle,
		Kind:      r.job.Kind,
		Artifacts: artifacts,
		Progress: func(event services.ProgressEvent) {
			r.updateProgress(ctx, "Placing", event.Message,
				stage.Blend(placementLow, placementHigh, event.Percent))
		},
	})
	if err != nil {
		return err
	}
	for _, failure := range placed.FanOutFailures {
		r.logger.Warn("fan-out destination missed",
			logging.String("destination", failure.Destination),
			logging.String("file", filepath.Base(failure.Path)),
			logging.Error(failure.Err),
		)
	}

	records := append([]queue.OutputRecord{}, placed.Placed...)
	records = append(records, unmapped...)
	outputsJSON, err := queue.EncodeOutputs(records)
	if err != nil {
		return services.Wrap(services.ErrTransient, "placement", "encode outputs", "persist output records", err)
	}

	job := r.job
	job.OutputsJSON = outputsJSON
	job.Status = queue.StatusCompleted
	message := fmt.Sprintf("%d output(s) placed", len(placed.Placed))
	if len(unmapped) > 0 {
		message = fmt.Sprintf("%d output(s) placed, %d title(s) skipped", len(placed.Placed), len(unmapped))
	}
	job.SetProgress("Completed", message, placementHigh)
	if err := r.m.store.Update(ctx, job); err != nil {
		return err
	}
	r.publishPercent(placementHigh, message)
	r.logger.Info("job completed",
		logging.Int("outputs", len(placed.Placed)),
		logging.Int("skipped", len(unmapped)),
	)
	if err := r.m.notifier.NotifyJobCompleted(ctx, job.DiscTitle, len(placed.Placed)); err != nil {
		r.logger.Debug("completion notification failed", logging.Error(err))
	}
	return nil
}

func (r *jobRun) ejectDisc(ctx context.Context) {
	if !r.m.cfg.MakeMKV.EjectAfterRip || r.job.Device == "" {
		return
	}
	if err := r.m.ejector.Eject(ctx, r.job.Device); err != nil {
		r.logger.Warn("disc eject failed", logging.Error(err))
	}
}

func (r *jobRun) stagingDir() string {
	return filepath.Join(r.m.cfg.StagingDir(), fmt.Sprintf("job-%d", r.job.ID))
}

// updateProgress publishes one event and persists it, throttled. The overall
// percent never moves backwards within the job.
func (r *jobRun) updateProgress(ctx context.Context, stageName, message string, percent float64) {
	if percent < r.lastPercent {
		percent = r.lastPercent
	}
	r.lastPercent = percent
	r.job.SetProgress(stageName, message, percent)
	r.publishPercent(percent, message)

	now := time.Now()
	if now.Sub(r.lastPersist) < persistInterval {
		return
	}
	r.lastPersist = now
	if err := r.m.store.Update(ctx, r.job); err != nil && ctx.Err() == nil {
		r.logger.Debug("progress persist failed", logging.Error(err))
	}
}

func (r *jobRun) publishPercent(percent float64, message string) {
	r.m.publish(r.job.ID, services.ProgressEvent{Percent: percent, Message: message})
}

func (r *jobRun) finalizeCancelled() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job := r.job
	job.Status = queue.StatusCancelled
	job.SetProgress("Cancelled", "Cancelled by request", job.ProgressPercent)
	job.ErrorMessage = ""
	if err := r.m.store.Update(ctx, job); err != nil && !errors.Is(err, queue.ErrTerminalState) {
		r.logger.Error("failed to persist cancellation", logging.Error(err))
	}
	r.logger.Info("job cancelled")
}

// finalizeInterrupted puts a shutdown-interrupted job back in the queue so
// the next daemon run picks it up.
func (r *jobRun) finalizeInterrupted() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job := r.job
	job.Status = queue.StatusPending
	job.SetProgress("Pending", "Interrupted by shutdown, will resume", 0)
	if err := r.m.store.Update(ctx, job); err != nil {
		r.logger.Error("failed to requeue interrupted job", logging.Error(err))
	}
	r.logger.Info("job interrupted by shutdown, requeued")
}

func (r *jobRun) finalizeFailed(ctx context.Context, stageErr error) {
	r.m.setLastError(stageErr)

	message := strings.TrimSpace(stageErr.Error())
	job := r.job
	job.SetFailed(services.FailureStatus(stageErr), message)
	if err := r.m.store.Update(ctx, job); err != nil && !errors.Is(err, queue.ErrTerminalState) {
		r.logger.Error("failed to persist job failure", logging.Error(err))
	}
	r.logger.Error("job failed", logging.Error(stageErr))
	if err := r.m.notifier.NotifyJobFailed(ctx, job.DiscTitle, message); err != nil {
		r.logger.Debug("failure notification failed", logging.Error(err))
	}
}

// unmappedRecords converts a result's unmapped titles into persistent output
// records so partial coverage stays visible after the job completes.
func unmappedRecords(result *ripping.Result) []queue.OutputRecord {
	var records []queue.OutputRecord
	for _, tf := range result.TitleFiles {
		if !tf.Unmapped {
			continue
		}
		records = append(records, queue.OutputRecord{
			TitleID:  tf.TitleID,
			Unmapped: true,
			Detail:   tf.Detail,
		})
	}
	return records
}

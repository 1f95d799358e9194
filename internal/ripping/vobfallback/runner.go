// Package vobfallback recovers titles straight from a DVD's raw container
// layout when the primary extraction tool fails outright.
//
// The medium stays mounted as a plain filesystem, so each title's physical
// container group can be concatenated in part order and remuxed into the
// standard output container with stream copies. Recovery is best effort:
// the attempt succeeds when at least one group produces a valid output, and
// individual group failures are reported without failing the whole attempt.
package vobfallback

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"

	"ripley/internal/config"
	"ripley/internal/logging"
	"ripley/internal/media/ffprobe"
	"ripley/internal/process"
	"ripley/internal/queue"
	"ripley/internal/ripping"
	"ripley/internal/services"
	"ripley/internal/services/ffmpeg"
)

// ToolRunner executes one tool invocation to completion, returning an error
// on non-zero exit.
type ToolRunner func(ctx context.Context, binary string, args []string) error

// MountLister enumerates mounted filesystem roots.
type MountLister func() ([]string, error)

// Runner implements the raw-container fallback strategy.
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	inspect ffprobe.Inspector
	runTool ToolRunner
	mounts  MountLister
}

// Option customizes a Runner.
type Option func(*Runner)

// WithInspector overrides the ffprobe inspector, used by tests.
func WithInspector(inspect ffprobe.Inspector) Option {
	return func(r *Runner) { r.inspect = inspect }
}

// WithToolRunner overrides tool execution, used by tests.
func WithToolRunner(run ToolRunner) Option {
	return func(r *Runner) { r.runTool = run }
}

// WithMountLister overrides mounted-volume enumeration, used by tests.
func WithMountLister(mounts MountLister) Option {
	return func(r *Runner) { r.mounts = mounts }
}

// NewRunner constructs the fallback runner from configuration.
func NewRunner(cfg *config.Config, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		cfg:     cfg,
		logger:  logging.WithComponent(logger, "vobfallback"),
		inspect: ffprobe.Inspect,
		runTool: runProcess,
		mounts:  systemMounts,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Recover attempts raw-container recovery for the request. The returned
// result succeeds when at least one group produced a valid output; the error
// is non-nil only when the fallback is unavailable or fully exhausted.
func (r *Runner) Recover(ctx context.Context, req ripping.Request) (*ripping.Result, error) {
	logger := logging.WithContext(ctx, r.logger)

	videoTS, err := r.resolveVideoTS()
	if err != nil {
		return nil, services.Wrap(services.ErrToolExit, "fallback", "resolve mount", "raw container layout not found", err)
	}
	logger.Info("raw container layout resolved", logging.String("video_ts", videoTS))

	groups, err := scanGroups(videoTS)
	if err != nil {
		return nil, services.Wrap(services.ErrToolExit, "fallback", "scan groups", "", err)
	}

	// Groups under the minimum size hold menus and navigation data only.
	minBytes := r.cfg.Fallback.MinGroupBytes
	usable := groups[:0]
	for _, g := range groups {
		if minBytes > 0 && g.Bytes < minBytes {
			logger.Debug("skipping undersized group",
				logging.String("group", g.ID),
				logging.Int64("bytes", g.Bytes))
			continue
		}
		usable = append(usable, g)
	}
	if len(usable) == 0 {
		return nil, services.Wrap(services.ErrToolExit, "fallback", "scan groups", "no usable container groups", nil)
	}

	titles := req.Titles
	if len(titles) == 0 {
		// No explicit selection: recover the feature, which resolves to the
		// single largest group through the ladder.
		titles = []queue.TitleSelection{{ID: 0, Category: queue.CategoryMain}}
	}

	r.probeDurations(ctx, titles, req.GroupHints, usable)
	assignments := resolveGroups(titles, req.GroupHints, usable, r.cfg.Fallback.DurationToleranceSeconds)

	result := &ripping.Result{UsedFallback: true}
	for _, title := range titles {
		group, ok := assignments[title.ID]
		if !ok {
			result.TitleFiles = append(result.TitleFiles, ripping.TitleFile{
				TitleID:  title.ID,
				Category: title.Category,
				Unmapped: true,
				Detail:   "no container group resolved",
			})
			continue
		}
		output, err := r.recoverGroup(ctx, title, group, req.DestDir)
		if err != nil {
			logger.Warn("group recovery failed",
				logging.String("group", group.ID),
				logging.Int("title_id", title.ID),
				logging.Error(err))
			result.TitleFiles = append(result.TitleFiles, ripping.TitleFile{
				TitleID:  title.ID,
				Category: title.Category,
				Unmapped: true,
				Detail:   err.Error(),
			})
			continue
		}
		result.Files = append(result.Files, output)
		result.TitleFiles = append(result.TitleFiles, ripping.TitleFile{
			TitleID:  title.ID,
			Category: title.Category,
			Path:     output,
		})
	}

	if len(result.Files) == 0 {
		return result, services.Wrap(services.ErrToolExit, "fallback", "recover", "all container groups failed", nil)
	}
	result.Success = true
	logger.Info("fallback recovery complete",
		logging.Int("recovered", len(result.Files)),
		logging.Int("unmapped", len(result.Unmapped())))
	return result, nil
}

// recoverGroup pre-validates, remuxes, and validates one container group.
func (r *Runner) recoverGroup(ctx context.Context, title queue.TitleSelection, group *Group, destDir string) (string, error) {
	logger := logging.WithContext(ctx, r.logger)

	// A group whose first segment decodes no video would only produce a
	// broken remux; catch it before committing to the full copy.
	if err := r.runTool(ctx, r.cfg.FFmpegBinary(), ffmpeg.FirstFrameProbeArgs(group.Parts[0])); err != nil {
		return "", fmt.Errorf("group %s first segment decodes no video: %w", group.ID, err)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	output := filepath.Join(destDir, outputName(title))
	logger.Info("remuxing container group",
		logging.String("group", group.ID),
		logging.Int("parts", len(group.Parts)),
		logging.String("output", output))

	if err := r.runTool(ctx, r.cfg.FFmpegBinary(), ffmpeg.ConcatArgs(group.Parts, output)); err != nil {
		_ = os.Remove(output)
		return "", fmt.Errorf("remux group %s: %w", group.ID, err)
	}

	probe, err := r.inspect(ctx, r.cfg.FFprobeBinary(), output)
	if err != nil {
		_ = os.Remove(output)
		return "", fmt.Errorf("validate group %s output: %w", group.ID, err)
	}
	if !probe.HasVideoStream() {
		_ = os.Remove(output)
		return "", fmt.Errorf("group %s output has no video stream", group.ID)
	}
	if want := title.DurationSeconds; want > 0 {
		got := probe.DurationSeconds()
		if got > 0 && math.Abs(got-want)/want > 0.10 {
			// Off-duration output is suspicious but still usable.
			logger.Warn("recovered duration deviates from expectation",
				logging.String("group", group.ID),
				logging.Float64("expected_seconds", want),
				logging.Float64("actual_seconds", got))
		}
	}
	return output, nil
}

// probeDurations fills group durations when the ladder will need them: only
// titles without an authoritative hint but with a known duration trigger
// probing.
func (r *Runner) probeDurations(ctx context.Context, titles []queue.TitleSelection, hints map[int]string, groups []*Group) {
	needed := false
	for _, title := range titles {
		if _, hinted := hints[title.ID]; !hinted && title.DurationSeconds > 0 {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	for _, group := range groups {
		total := 0.0
		for _, part := range group.Parts {
			probe, err := r.inspect(ctx, r.cfg.FFprobeBinary(), part)
			if err != nil {
				total = 0
				break
			}
			total += probe.DurationSeconds()
		}
		group.Duration = total
	}
}

func (r *Runner) resolveVideoTS() (string, error) {
	for _, candidate := range r.cfg.Fallback.MountCandidates {
		if videoTS, ok := hasVideoLayout(candidate); ok {
			return videoTS, nil
		}
	}
	mounts, err := r.mounts()
	if err != nil {
		return "", fmt.Errorf("list mounts: %w", err)
	}
	for _, mount := range mounts {
		if videoTS, ok := hasVideoLayout(mount); ok {
			return videoTS, nil
		}
	}
	return "", fmt.Errorf("no mounted volume carries a VIDEO_TS layout")
}

// outputName derives the artifact file name for a recovered title.
func outputName(title queue.TitleSelection) string {
	if hint := strings.TrimSpace(title.OutputHint); hint != "" {
		return sanitizeName(hint) + ".mkv"
	}
	return fmt.Sprintf("title_t%02d.mkv", title.ID)
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "*", "-", "?", "", "\"", "", "<", "", ">", "", "|", "")
	return strings.TrimSpace(replacer.Replace(name))
}

// runProcess is the default ToolRunner, executing through the supervisor and
// keeping the tail of stderr for error context.
func runProcess(ctx context.Context, binary string, args []string) error {
	handle, err := process.Start(ctx, process.Spec{Command: binary, Args: args})
	if err != nil {
		return err
	}
	var tail []string
	for line := range handle.Lines() {
		if line.Stream != process.Stderr {
			continue
		}
		tail = append(tail, line.Text)
		if len(tail) > 5 {
			tail = tail[1:]
		}
	}
	exit := handle.Wait()
	if exit.Code != 0 || exit.Err != nil {
		return fmt.Errorf("%s exited with code %d: %s", binary, exit.Code, strings.Join(tail, " | "))
	}
	return nil
}

// systemMounts is the default MountLister, reading /proc/self/mountinfo.
func systemMounts() ([]string, error) {
	infos, err := procfs.GetMounts()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(infos))
	var mounts []string
	for _, info := range infos {
		if _, dup := seen[info.MountPoint]; dup {
			continue
		}
		seen[info.MountPoint] = struct{}{}
		mounts = append(mounts, info.MountPoint)
	}
	return mounts, nil
}

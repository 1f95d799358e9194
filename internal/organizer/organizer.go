// Package organizer places finished artifacts into the library tree and fans
// verified copies out to any additional destination roots.
package organizer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"ripley/internal/config"
	"ripley/internal/fileutil"
	"ripley/internal/logging"
	"ripley/internal/queue"
	"ripley/internal/services"
)

// fanOutConcurrency bounds parallel destination copies.
const fanOutConcurrency = 3

// Artifact is one finished file to place, with its originating title.
type Artifact struct {
	TitleID  int
	Category queue.TitleCategory
	Path     string
}

// Request describes one placement run.
type Request struct {
	DiscTitle string
	Kind      queue.Kind
	Artifacts []Artifact
	Progress  services.ProgressFunc
}

// FanOutFailure records one destination that did not receive its copy.
// These are warnings: primary placement already succeeded.
type FanOutFailure struct {
	Destination string
	Path        string
	Err         error
}

// Result reports where artifacts landed.
type Result struct {
	Placed         []queue.OutputRecord
	FanOutFailures []FanOutFailure
}

// Organizer moves artifacts into their final library location.
type Organizer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New constructs the organizer.
func New(cfg *config.Config, logger *slog.Logger) *Organizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Organizer{cfg: cfg, logger: logging.WithComponent(logger, "organizer")}
}

// Place moves each artifact into the library and then fans out verified
// copies to the extra destination roots. Sidecar files next to an artifact
// (same stem, different extension) travel with it.
func (o *Organizer) Place(ctx context.Context, req Request) (*Result, error) {
	logger := logging.WithContext(ctx, o.logger)
	if len(req.Artifacts) == 0 {
		return nil, services.Wrap(services.ErrValidation, "organizing", "place", "no artifacts to place", nil)
	}

	title := DeriveTitle(req.DiscTitle)

	result := &Result{}
	var placedFiles []placedFile

	for i, artifact := range req.Artifacts {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		subdir := o.subdir(req.Kind, artifact.Category)
		targetDir := filepath.Join(o.cfg.LibraryDir(), subdir, title)
		if err := fileutil.EnsureDir(targetDir); err != nil {
			return result, services.Wrap(services.ErrConfiguration, "organizing", "create library dir", targetDir, err)
		}
		sidecars := findSidecars(artifact.Path)

		dest := filepath.Join(targetDir, filepath.Base(artifact.Path))
		if !o.cfg.Library.OverwriteExisting {
			dest = fileutil.UniquePath(dest)
		}
		if err := fileutil.MoveFile(artifact.Path, dest); err != nil {
			return result, services.Wrap(services.ErrTransient, "organizing", "move artifact", artifact.Path, err)
		}
		for _, sidecar := range sidecars {
			sidecarDest := filepath.Join(targetDir, filepath.Base(sidecar))
			if err := fileutil.MoveFile(sidecar, sidecarDest); err != nil {
				logger.Warn("sidecar move failed", logging.String("sidecar", sidecar), logging.Error(err))
				continue
			}
			placedFiles = append(placedFiles, placedFile{path: sidecarDest, subdir: subdir})
		}

		placedFiles = append(placedFiles, placedFile{path: dest, subdir: subdir})
		result.Placed = append(result.Placed, queue.OutputRecord{
			TitleID: artifact.TitleID,
			Path:    dest,
		})
		logger.Info("artifact placed",
			logging.String("path", dest),
			logging.Int("title_id", artifact.TitleID))

		if req.Progress != nil {
			req.Progress(services.ProgressEvent{
				Percent: float64(i+1) / float64(len(req.Artifacts)) * 100,
				Message: fmt.Sprintf("Placed %s", filepath.Base(dest)),
			})
		}
	}

	result.FanOutFailures = o.fanOut(ctx, title, placedFiles)
	return result, nil
}

// placedFile pairs a placed path with its library subdirectory so fan-out
// mirrors the primary tree.
type placedFile struct {
	path   string
	subdir string
}

// fanOut copies every placed file to each extra library root with integrity
// verification. One destination's failure never blocks the others and never
// fails the job.
func (o *Organizer) fanOut(ctx context.Context, title string, files []placedFile) []FanOutFailure {
	roots := o.cfg.Paths.ExtraLibraryDirs
	if len(roots) == 0 || len(files) == 0 {
		return nil
	}
	logger := logging.WithContext(ctx, o.logger)

	var mu sync.Mutex
	var failures []FanOutFailure

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(fanOutConcurrency)
	for _, root := range roots {
		for _, file := range files {
			root, file := root, file
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				destDir := filepath.Join(root, file.subdir, title)
				if err := fileutil.EnsureDir(destDir); err != nil {
					mu.Lock()
					failures = append(failures, FanOutFailure{Destination: root, Path: file.path, Err: err})
					mu.Unlock()
					return nil
				}
				dest := filepath.Join(destDir, filepath.Base(file.path))
				if err := fileutil.CopyFileVerified(file.path, dest); err != nil {
					logger.Warn("fan-out copy failed",
						logging.String("destination", root),
						logging.String("file", file.path),
						logging.Error(err))
					mu.Lock()
					failures = append(failures, FanOutFailure{Destination: root, Path: file.path, Err: err})
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = group.Wait()
	return failures
}

func (o *Organizer) subdir(kind queue.Kind, category queue.TitleCategory) string {
	if kind == queue.KindAudioRip {
		return "music"
	}
	if category == queue.CategoryEpisode {
		return o.cfg.Library.TVDir
	}
	return o.cfg.Library.MoviesDir
}

// findSidecars returns files sharing the artifact's stem in its directory
// (subtitles, NFO files, artwork written by collaborators).
func findSidecars(artifactPath string) []string {
	dir := filepath.Dir(artifactPath)
	stem := strings.TrimSuffix(filepath.Base(artifactPath), filepath.Ext(artifactPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var sidecars []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if name == filepath.Base(artifactPath) {
			continue
		}
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			sidecars = append(sidecars, filepath.Join(dir, name))
		}
	}
	return sidecars
}

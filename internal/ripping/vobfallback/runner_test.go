package vobfallback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ripley/internal/config"
	"ripley/internal/media/ffprobe"
	"ripley/internal/queue"
	"ripley/internal/ripping"
	"ripley/internal/services"
)

func fallbackConfig(t *testing.T, mount string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Fallback.Enabled = true
	cfg.Fallback.MountCandidates = []string{mount}
	cfg.Fallback.DurationToleranceSeconds = 30
	cfg.Fallback.MinGroupBytes = 1000
	return &cfg
}

// buildDisc lays out a mounted DVD with a menu group and two content groups.
func buildDisc(t *testing.T) (mount, videoTS string) {
	t.Helper()
	mount = t.TempDir()
	videoTS = filepath.Join(mount, "VIDEO_TS")
	if err := os.Mkdir(videoTS, 0o755); err != nil {
		t.Fatal(err)
	}
	writeVOB(t, videoTS, "VTS_01_0.VOB", 100)
	writeVOB(t, videoTS, "VTS_01_1.VOB", 4000)
	writeVOB(t, videoTS, "VTS_01_2.VOB", 4000)
	writeVOB(t, videoTS, "VTS_02_1.VOB", 2000)
	writeVOB(t, videoTS, "VTS_03_1.VOB", 10) // under min size
	return mount, videoTS
}

// stubTools simulates ffmpeg: first-frame probes succeed and concat remuxes
// create the output file.
func stubTools(t *testing.T) ToolRunner {
	t.Helper()
	return func(ctx context.Context, binary string, args []string) error {
		for _, arg := range args {
			if arg == "-frames:v" {
				return nil
			}
		}
		output := args[len(args)-1]
		return os.WriteFile(output, []byte("remuxed"), 0o644)
	}
}

// stubInspector reports durations per probed path.
func stubInspector(durations map[string]string) ffprobe.Inspector {
	return func(ctx context.Context, binary, path string) (ffprobe.Result, error) {
		duration, ok := durations[filepath.Base(path)]
		if !ok {
			duration = "1.0"
		}
		return ffprobe.Result{
			Streams: []ffprobe.Stream{{CodecType: "video"}},
			Format:  ffprobe.Format{Duration: duration},
		}, nil
	}
}

func TestRecoverSelectsGroupByDuration(t *testing.T) {
	mount, _ := buildDisc(t)
	dest := t.TempDir()
	cfg := fallbackConfig(t, mount)

	// Group 01 sums to 5411.3s, group 02 to 120.0s.
	inspector := stubInspector(map[string]string{
		"VTS_01_1.VOB": "2705.65",
		"VTS_01_2.VOB": "2705.65",
		"VTS_02_1.VOB": "120.0",
	})

	runner := NewRunner(cfg, nil,
		WithInspector(inspector),
		WithToolRunner(stubTools(t)),
	)

	result, err := runner.Recover(context.Background(), ripping.Request{
		DestDir: dest,
		Titles:  []queue.TitleSelection{{ID: 1, Category: queue.CategoryMain, DurationSeconds: 5400.0}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || !result.UsedFallback {
		t.Fatalf("expected successful fallback, got %+v", result)
	}
	if len(result.Files) != 1 {
		t.Fatalf("expected one recovered file, got %v", result.Files)
	}
	if _, err := os.Stat(result.Files[0]); err != nil {
		t.Fatalf("recovered file missing: %v", err)
	}
}

func TestRecoverScansMountedVolumesWhenCandidatesMiss(t *testing.T) {
	mount, _ := buildDisc(t)
	dest := t.TempDir()
	cfg := fallbackConfig(t, filepath.Join(t.TempDir(), "not-a-disc"))

	runner := NewRunner(cfg, nil,
		WithInspector(stubInspector(nil)),
		WithToolRunner(stubTools(t)),
		WithMountLister(func() ([]string, error) {
			return []string{"/", "/proc", mount}, nil
		}),
	)

	result, err := runner.Recover(context.Background(), ripping.Request{
		DestDir: dest,
		Titles:  []queue.TitleSelection{{ID: 1, Category: queue.CategoryMain}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestRecoverFailsWhenNoLayoutFound(t *testing.T) {
	cfg := fallbackConfig(t, filepath.Join(t.TempDir(), "nothing"))
	runner := NewRunner(cfg, nil,
		WithInspector(stubInspector(nil)),
		WithToolRunner(stubTools(t)),
		WithMountLister(func() ([]string, error) { return nil, nil }),
	)

	_, err := runner.Recover(context.Background(), ripping.Request{DestDir: t.TempDir()})
	if !errors.Is(err, services.ErrToolExit) {
		t.Fatalf("expected tool exit classification, got %v", err)
	}
}

func TestRecoverSkipsGroupFailingFirstFrameProbe(t *testing.T) {
	mount, _ := buildDisc(t)
	dest := t.TempDir()
	cfg := fallbackConfig(t, mount)

	runner := NewRunner(cfg, nil,
		WithInspector(stubInspector(nil)),
		WithToolRunner(func(ctx context.Context, binary string, args []string) error {
			for _, arg := range args {
				if arg == "-frames:v" {
					if strings.Contains(args[4], "VTS_01") {
						return errors.New("no decodable video")
					}
					return nil
				}
			}
			return os.WriteFile(args[len(args)-1], []byte("remuxed"), 0o644)
		}),
	)

	result, err := runner.Recover(context.Background(), ripping.Request{
		DestDir: dest,
		Titles: []queue.TitleSelection{
			{ID: 1, Category: queue.CategoryMain},
			{ID: 2, Category: queue.CategoryExtra},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatal("one valid group must carry the attempt")
	}
	if result.MappedCount() != 1 || len(result.Unmapped()) != 1 {
		t.Fatalf("expected one mapped and one unmapped title, got %+v", result.TitleFiles)
	}
}

func TestRecoverRejectsOutputWithoutVideoStream(t *testing.T) {
	mount, _ := buildDisc(t)
	dest := t.TempDir()
	cfg := fallbackConfig(t, mount)

	runner := NewRunner(cfg, nil,
		WithToolRunner(stubTools(t)),
		WithInspector(func(ctx context.Context, binary, path string) (ffprobe.Result, error) {
			return ffprobe.Result{
				Streams: []ffprobe.Stream{{CodecType: "audio"}},
				Format:  ffprobe.Format{Duration: "100"},
			}, nil
		}),
	)

	result, err := runner.Recover(context.Background(), ripping.Request{
		DestDir: dest,
		Titles:  []queue.TitleSelection{{ID: 1, Category: queue.CategoryMain}},
	})
	if !errors.Is(err, services.ErrToolExit) {
		t.Fatalf("expected exhausted fallback, got %v", err)
	}
	if result == nil || result.Success {
		t.Fatal("no valid outputs must fail the attempt")
	}
}

func TestRecoverUsesOutputHintForNaming(t *testing.T) {
	mount, _ := buildDisc(t)
	dest := t.TempDir()
	cfg := fallbackConfig(t, mount)

	runner := NewRunner(cfg, nil,
		WithInspector(stubInspector(nil)),
		WithToolRunner(stubTools(t)),
	)

	result, err := runner.Recover(context.Background(), ripping.Request{
		DestDir: dest,
		Titles:  []queue.TitleSelection{{ID: 1, Category: queue.CategoryMain, OutputHint: "Some Movie"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(result.Files[0]) != "Some Movie.mkv" {
		t.Fatalf("expected hinted name, got %s", result.Files[0])
	}
}

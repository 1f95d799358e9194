package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LibraryDir string `toml:"library_dir"`
	LogDir     string `toml:"log_dir"`
	// ExtraLibraryDirs are additional destination roots that receive a
	// verified copy of every placed artifact and its sidecars.
	ExtraLibraryDirs []string `toml:"extra_library_dirs"`
}

// MakeMKV contains extraction tool settings.
type MakeMKV struct {
	Binary     string `toml:"binary"`
	Device     string `toml:"device"`
	DriveIndex int    `toml:"drive_index"`
	RipTimeout int    `toml:"rip_timeout"`
	// ReadErrorCeiling is the absolute number of decoded read errors after
	// which a title is judged unrecoverable and the process is killed.
	ReadErrorCeiling int `toml:"read_error_ceiling"`
	EjectAfterRip    bool `toml:"eject_after_rip"`
}

// FFmpeg contains transcode and probe tool settings.
type FFmpeg struct {
	Binary                  string `toml:"binary"`
	FFprobeBinary           string `toml:"ffprobe_binary"`
	EncodeTimeout           int    `toml:"encode_timeout"`
	MaxConcurrentTranscodes int    `toml:"max_concurrent_transcodes"`
	VideoProfile            string `toml:"video_profile"`
	AudioProfile            string `toml:"audio_profile"`
}

// Watchdog contains the process-health tunables. All durations are seconds.
type Watchdog struct {
	// StallTimeout is the silence window after which a process is declared
	// hung regardless of CPU activity. Minutes-scale: legitimate analysis
	// phases can be silent for a long time.
	StallTimeout int `toml:"stall_timeout"`
	// SampleInterval is the period between CPU-utilization samples.
	SampleInterval int `toml:"sample_interval"`
	// ZeroCPUSamples is the number of consecutive near-zero samples required
	// before the deadlock path triggers.
	ZeroCPUSamples int `toml:"zero_cpu_samples"`
	// SilenceGate is the minimum output silence that must also have elapsed
	// before a deadlock verdict, guarding against slow-but-healthy I/O.
	SilenceGate int `toml:"silence_gate"`
}

// Fallback contains raw-container recovery settings.
type Fallback struct {
	Enabled bool `toml:"enabled"`
	// MountCandidates are checked first when resolving the medium's mount
	// point; when none match, all mounted volumes are scanned for the
	// VIDEO_TS signature.
	MountCandidates          []string `toml:"mount_candidates"`
	DurationToleranceSeconds float64  `toml:"duration_tolerance_seconds"`
	// MinGroupBytes filters out menu/navigation-only container groups.
	MinGroupBytes int64 `toml:"min_group_bytes"`
}

// Library contains destination tree configuration.
type Library struct {
	MoviesDir         string `toml:"movies_dir"`
	TVDir             string `toml:"tv_dir"`
	OverwriteExisting bool   `toml:"overwrite_existing"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Workflow contains daemon timing settings. All durations are seconds.
type Workflow struct {
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
}

// Logging contains log output configuration.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for ripley.
type Config struct {
	Paths         Paths         `toml:"paths"`
	MakeMKV       MakeMKV       `toml:"makemkv"`
	FFmpeg        FFmpeg        `toml:"ffmpeg"`
	Watchdog      Watchdog      `toml:"watchdog"`
	Fallback      Fallback      `toml:"fallback"`
	Library       Library       `toml:"library"`
	Notifications Notifications `toml:"notifications"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/ripley/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file existed at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err = os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// WriteSample writes the embedded sample configuration to the given path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates the staging, library, and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StagingDir, c.Paths.LibraryDir, c.Paths.LogDir}
	dirs = append(dirs, c.Paths.ExtraLibraryDirs...)
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// StagingDir returns the working directory for in-flight artifacts.
func (c *Config) StagingDir() string { return c.Paths.StagingDir }

// LibraryDir returns the primary destination root.
func (c *Config) LibraryDir() string { return c.Paths.LibraryDir }

// LogDir returns the log and database directory.
func (c *Config) LogDir() string { return c.Paths.LogDir }

// LockDir returns the directory holding drive and daemon lock files.
func (c *Config) LockDir() string { return filepath.Join(c.Paths.StagingDir, ".locks") }

// MakemkvBinary returns the extraction tool binary, defaulting to makemkvcon.
func (c *Config) MakemkvBinary() string {
	if b := strings.TrimSpace(c.MakeMKV.Binary); b != "" {
		return b
	}
	return "makemkvcon"
}

// FFmpegBinary returns the transcode tool binary, defaulting to ffmpeg.
func (c *Config) FFmpegBinary() string {
	if b := strings.TrimSpace(c.FFmpeg.Binary); b != "" {
		return b
	}
	return "ffmpeg"
}

// FFprobeBinary returns the probe tool binary, defaulting to ffprobe.
func (c *Config) FFprobeBinary() string {
	if b := strings.TrimSpace(c.FFmpeg.FFprobeBinary); b != "" {
		return b
	}
	return "ffprobe"
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", trimmed, err)
	}
	return abs, nil
}

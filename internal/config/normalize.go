package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeTools()
	c.normalizeWatchdog()
	c.normalizeFallback()
	c.normalizeWorkflow()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(c.Paths.StagingDir); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	extras := make([]string, 0, len(c.Paths.ExtraLibraryDirs))
	for _, dir := range c.Paths.ExtraLibraryDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		expanded, err := expandPath(dir)
		if err != nil {
			return fmt.Errorf("paths.extra_library_dirs: %w", err)
		}
		extras = append(extras, expanded)
	}
	c.Paths.ExtraLibraryDirs = extras
	return nil
}

func (c *Config) normalizeTools() {
	c.MakeMKV.Binary = strings.TrimSpace(c.MakeMKV.Binary)
	c.MakeMKV.Device = strings.TrimSpace(c.MakeMKV.Device)
	if c.MakeMKV.Device == "" {
		c.MakeMKV.Device = defaultOpticalDevice
	}
	if c.MakeMKV.RipTimeout <= 0 {
		c.MakeMKV.RipTimeout = defaultRipTimeout
	}
	if c.MakeMKV.ReadErrorCeiling <= 0 {
		c.MakeMKV.ReadErrorCeiling = defaultReadErrorCeiling
	}
	c.FFmpeg.Binary = strings.TrimSpace(c.FFmpeg.Binary)
	c.FFmpeg.FFprobeBinary = strings.TrimSpace(c.FFmpeg.FFprobeBinary)
	if c.FFmpeg.EncodeTimeout <= 0 {
		c.FFmpeg.EncodeTimeout = defaultEncodeTimeout
	}
	if c.FFmpeg.MaxConcurrentTranscodes <= 0 {
		c.FFmpeg.MaxConcurrentTranscodes = defaultMaxConcurrentTranscodes
	}
	if strings.TrimSpace(c.FFmpeg.VideoProfile) == "" {
		c.FFmpeg.VideoProfile = defaultVideoProfile
	}
	if strings.TrimSpace(c.FFmpeg.AudioProfile) == "" {
		c.FFmpeg.AudioProfile = defaultAudioProfile
	}
}

func (c *Config) normalizeWatchdog() {
	if c.Watchdog.StallTimeout <= 0 {
		c.Watchdog.StallTimeout = defaultStallTimeout
	}
	if c.Watchdog.SampleInterval <= 0 {
		c.Watchdog.SampleInterval = defaultSampleInterval
	}
	if c.Watchdog.ZeroCPUSamples <= 0 {
		c.Watchdog.ZeroCPUSamples = defaultZeroCPUSamples
	}
	if c.Watchdog.SilenceGate <= 0 {
		c.Watchdog.SilenceGate = defaultSilenceGate
	}
}

func (c *Config) normalizeFallback() {
	if c.Fallback.DurationToleranceSeconds <= 0 {
		c.Fallback.DurationToleranceSeconds = defaultDurationTolerance
	}
	if c.Fallback.MinGroupBytes <= 0 {
		c.Fallback.MinGroupBytes = defaultMinGroupBytes
	}
	candidates := make([]string, 0, len(c.Fallback.MountCandidates))
	for _, candidate := range c.Fallback.MountCandidates {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			candidates = append(candidates, trimmed)
		}
	}
	c.Fallback.MountCandidates = candidates
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.QueuePollInterval <= 0 {
		c.Workflow.QueuePollInterval = defaultQueuePollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultErrorRetryInterval
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

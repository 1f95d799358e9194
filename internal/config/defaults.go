package config

const (
	defaultStagingDir = "~/.local/share/ripley/staging"
	defaultLibraryDir = "~/library"
	defaultLogDir     = "~/.local/share/ripley/logs"

	defaultOpticalDevice    = "/dev/sr0"
	defaultRipTimeout       = 14400
	defaultReadErrorCeiling = 100

	defaultEncodeTimeout           = 14400
	defaultMaxConcurrentTranscodes = 2
	defaultVideoProfile            = "prores"
	defaultAudioProfile            = "flac"

	// Empirically tuned supervision values; see the watchdog package for the
	// detection semantics.
	defaultStallTimeout   = 300
	defaultSampleInterval = 15
	defaultZeroCPUSamples = 4
	defaultSilenceGate    = 60

	defaultDurationTolerance = 30.0
	defaultMinGroupBytes     = 256 << 20

	defaultMoviesDir = "movies"
	defaultTVDir     = "tv"

	defaultQueuePollInterval  = 5
	defaultErrorRetryInterval = 30

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StagingDir: defaultStagingDir,
			LibraryDir: defaultLibraryDir,
			LogDir:     defaultLogDir,
		},
		MakeMKV: MakeMKV{
			Device:           defaultOpticalDevice,
			RipTimeout:       defaultRipTimeout,
			ReadErrorCeiling: defaultReadErrorCeiling,
			EjectAfterRip:    true,
		},
		FFmpeg: FFmpeg{
			EncodeTimeout:           defaultEncodeTimeout,
			MaxConcurrentTranscodes: defaultMaxConcurrentTranscodes,
			VideoProfile:            defaultVideoProfile,
			AudioProfile:            defaultAudioProfile,
		},
		Watchdog: Watchdog{
			StallTimeout:   defaultStallTimeout,
			SampleInterval: defaultSampleInterval,
			ZeroCPUSamples: defaultZeroCPUSamples,
			SilenceGate:    defaultSilenceGate,
		},
		Fallback: Fallback{
			Enabled:                  true,
			DurationToleranceSeconds: defaultDurationTolerance,
			MinGroupBytes:            defaultMinGroupBytes,
		},
		Library: Library{
			MoviesDir: defaultMoviesDir,
			TVDir:     defaultTVDir,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
		},
		Workflow: Workflow{
			QueuePollInterval:  defaultQueuePollInterval,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

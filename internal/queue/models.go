package queue

import (
	"strings"
	"time"
)

// Kind identifies what a job does with the medium.
type Kind string

const (
	KindExtract       Kind = "extract"
	KindTranscode     Kind = "transcode"
	KindLibraryExport Kind = "library-export"
	KindAudioRip      Kind = "audio-rip"
)

var allKinds = []Kind{KindExtract, KindTranscode, KindLibraryExport, KindAudioRip}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TitleCategory tags a selected title with its role on the medium.
type TitleCategory string

const (
	CategoryMain    TitleCategory = "main"
	CategoryExtra   TitleCategory = "extra"
	CategoryEpisode TitleCategory = "episode"
)

// TitleSelection names one logical title requested from the medium.
// Immutable once the owning job starts.
type TitleSelection struct {
	ID       int           `json:"id"`
	Category TitleCategory `json:"category"`
	// OutputHint suggests a file stem for the produced artifact; empty means
	// derive one from the disc title.
	OutputHint string `json:"output_hint,omitempty"`
	// DurationSeconds is the probed duration when known, used by the
	// raw-container fallback to match physical groups.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Job represents one submission persisted in SQLite.
type Job struct {
	ID              int64
	Kind            Kind
	DiscTitle       string
	Device          string
	DriveIndex      int
	Status          Status
	ProgressStage   string
	ProgressPercent float64
	ProgressMessage string
	ErrorMessage    string
	TitlesJSON      string
	OutputsJSON     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SetProgress updates all three progress fields together.
func (j *Job) SetProgress(stage, message string, percent float64) {
	j.ProgressStage = stage
	j.ProgressMessage = message
	j.ProgressPercent = percent
}

// SetFailed puts the job in the given terminal status with the error message
// mirrored into the progress fields.
func (j *Job) SetFailed(status Status, message string) {
	j.Status = status
	j.ErrorMessage = message
	j.ProgressStage = "Failed"
	j.ProgressMessage = message
}

// IsActive reports whether the job is pending or running.
func (j Job) IsActive() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}

// HealthSummary describes aggregated queue counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
}

package makemkv

import (
	"regexp"
	"strconv"
	"strings"
)

// MakeMKV MSG codes emitted as MSG:code,... lines in --robot mode. Codes
// >= 5000 are disc/rip-level messages; codes < 5000 are general I/O-level
// messages.
const (
	MsgReadError            = 2003 // per-sector read fault
	MsgWriteError           = 2019
	MsgTitleError           = 5003 // single title save failed
	MsgRipCompleted         = 5004 // "N titles saved, M failed"
	MsgDiscOpenError        = 5010
	MsgEvalExpiredTooOld    = 5021
	MsgRipSummary           = 5037 // copy complete summary
	MsgEvalExpiredShareware = 5055
)

// TINFO attribute IDs used by the coordinator.
const (
	TrackAttrDuration   = 9
	TrackAttrBytes      = 11
	TrackAttrOutputName = 27
)

// EventKind discriminates parsed protocol events.
type EventKind int

const (
	// EventProgress is a PRGV progress triplet.
	EventProgress EventKind = iota
	// EventInfo is any message without structural meaning to the pipeline.
	EventInfo
	// EventReadError is a decoded media read fault with file and offset.
	EventReadError
	// EventTrackInfo is a TINFO metadata attribute for one title.
	EventTrackInfo
	// EventFatal marks output proving the rip failed regardless of exit code.
	EventFatal
)

// Progress carries the raw PRGV values. Percent is current/max, clipped to
// [0, 100).
type Progress struct {
	Current int64
	Total   int64
	Max     int64
}

// Percent converts the triplet into a percentage.
func (p Progress) Percent() float64 {
	if p.Max <= 0 {
		return 0
	}
	percent := float64(p.Current) / float64(p.Max) * 100
	if percent < 0 {
		return 0
	}
	if percent >= 100 {
		return 99.9
	}
	return percent
}

// ReadError is one decoded media fault.
type ReadError struct {
	Classification string
	SourcePath     string
	Offset         int64
}

// TrackInfo is one TINFO attribute.
type TrackInfo struct {
	TitleID int
	Attr    int
	Value   string
}

// Event is the typed result of parsing one protocol line.
type Event struct {
	Kind      EventKind
	Code      int
	Message   string
	Progress  Progress
	ReadError ReadError
	Track     TrackInfo
}

// readErrorPattern matches the fixed textual shape MakeMKV uses for media
// faults, e.g.
//
//	Error 'Scsi error - MEDIUM ERROR:UNRECOVERED READ ERROR' occurred while reading 'DVD-R UJ8E2' at offset '1048576'
var readErrorPattern = regexp.MustCompile(`Error '([^']+)' occurred while reading '([^']+)' at offset '(\d+)'`)

// ParseLine translates one robot-mode line into an event. The boolean is
// false for lines the pipeline has no use for (DRV enumeration, column
// counts, blank lines).
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "PRGV:"):
		return parseProgress(strings.TrimPrefix(line, "PRGV:"))
	case strings.HasPrefix(line, "MSG:"):
		return parseMessage(strings.TrimPrefix(line, "MSG:"))
	case strings.HasPrefix(line, "TINFO:"):
		return parseTrackInfo(strings.TrimPrefix(line, "TINFO:"))
	case strings.HasPrefix(line, "PRGC:"), strings.HasPrefix(line, "PRGT:"):
		if name := extractQuoted(line); name != "" {
			return Event{Kind: EventInfo, Message: name}, true
		}
		return Event{}, false
	default:
		return Event{}, false
	}
}

func parseProgress(payload string) (Event, bool) {
	parts := strings.Split(payload, ",")
	if len(parts) < 3 {
		return Event{}, false
	}
	current, err1 := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	total, err2 := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	max, err3 := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || max <= 0 {
		return Event{}, false
	}
	return Event{
		Kind:     EventProgress,
		Progress: Progress{Current: current, Total: total, Max: max},
	}, true
}

func parseMessage(payload string) (Event, bool) {
	fields := splitRobotFields(payload)
	if len(fields) < 4 {
		return Event{}, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Event{}, false
	}
	text := fields[3]

	if match := readErrorPattern.FindStringSubmatch(text); match != nil {
		offset, _ := strconv.ParseInt(match[3], 10, 64)
		return Event{
			Kind:    EventReadError,
			Code:    code,
			Message: text,
			ReadError: ReadError{
				Classification: match[1],
				SourcePath:     match[2],
				Offset:         offset,
			},
		}, true
	}

	switch code {
	case MsgTitleError:
		return Event{Kind: EventFatal, Code: code, Message: text}, true
	case MsgRipSummary, MsgRipCompleted:
		if zeroTitlesSaved(text) {
			return Event{Kind: EventFatal, Code: code, Message: text}, true
		}
	case MsgDiscOpenError, MsgEvalExpiredTooOld, MsgEvalExpiredShareware:
		return Event{Kind: EventFatal, Code: code, Message: text}, true
	}

	return Event{Kind: EventInfo, Code: code, Message: text}, true
}

func parseTrackInfo(payload string) (Event, bool) {
	fields := splitRobotFields(payload)
	if len(fields) < 4 {
		return Event{}, false
	}
	titleID, err1 := strconv.Atoi(strings.TrimSpace(fields[0]))
	attr, err2 := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err1 != nil || err2 != nil {
		return Event{}, false
	}
	return Event{
		Kind:  EventTrackInfo,
		Track: TrackInfo{TitleID: titleID, Attr: attr, Value: fields[3]},
	}, true
}

// zeroTitlesSaved reports whether a completion summary proves no output was
// produced, e.g. "Copy complete. 0 titles saved, 1 failed."
var zeroTitlesPattern = regexp.MustCompile(`\b0 titles saved`)

func zeroTitlesSaved(text string) bool {
	return zeroTitlesPattern.MatchString(text)
}

// splitRobotFields splits a comma-separated robot payload while honoring
// double-quoted fields, which may themselves contain commas.
func splitRobotFields(payload string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for i := 0; i < len(payload); i++ {
		ch := payload[i]
		switch {
		case ch == '"':
			inQuotes = !inQuotes
		case ch == ',' && !inQuotes:
			fields = append(fields, current.String())
			current.Reset()
		default:
			current.WriteByte(ch)
		}
	}
	fields = append(fields, current.String())
	return fields
}

func extractQuoted(line string) string {
	start := strings.IndexByte(line, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(line[start+1:], '"')
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

// ParseDurationSeconds converts a TINFO duration value ("1:30:00") into
// seconds, returning false for unparseable values.
func ParseDurationSeconds(value string) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0.0
	for _, part := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

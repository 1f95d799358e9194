package ffmpeg

import (
	"strconv"
	"strings"
)

// EventKind discriminates parsed progress events.
type EventKind int

const (
	// EventElapsed reports encoded output time in seconds.
	EventElapsed EventKind = iota
	// EventSpeed reports the realtime speed multiplier.
	EventSpeed
	// EventEnd marks the final progress block.
	EventEnd
)

// Event is one parsed `-progress` line.
type Event struct {
	Kind    EventKind
	Elapsed float64
	Speed   float64
}

// ParseProgressLine translates one key=value progress line into an event.
// Keys without pipeline meaning (frame counts, bitrate) return false.
func ParseProgressLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	key, value, found := strings.Cut(line, "=")
	if !found {
		return Event{}, false
	}
	value = strings.TrimSpace(value)

	switch key {
	case "out_time":
		seconds, ok := parseClock(value)
		if !ok {
			return Event{}, false
		}
		return Event{Kind: EventElapsed, Elapsed: seconds}, true
	case "out_time_us", "out_time_ms":
		// Both keys carry microseconds; out_time_ms is a historical misnomer.
		micros, err := strconv.ParseInt(value, 10, 64)
		if err != nil || micros < 0 {
			return Event{}, false
		}
		return Event{Kind: EventElapsed, Elapsed: float64(micros) / 1e6}, true
	case "speed":
		multiplier, err := strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		if err != nil || multiplier < 0 {
			return Event{}, false
		}
		return Event{Kind: EventSpeed, Speed: multiplier}, true
	case "progress":
		if value == "end" {
			return Event{Kind: EventEnd}, true
		}
		return Event{}, false
	default:
		return Event{}, false
	}
}

// parseClock converts "HH:MM:SS.micro" into seconds.
func parseClock(value string) (float64, bool) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err1 := strconv.ParseFloat(parts[0], 64)
	minutes, err2 := strconv.ParseFloat(parts[1], 64)
	seconds, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	total := hours*3600 + minutes*60 + seconds
	if total < 0 {
		return 0, false
	}
	return total, true
}

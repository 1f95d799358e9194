package ffmpeg

import (
	"strings"
)

// Profile names a caller-selected encode argument set. Profile policy lives
// outside this core; these are the argument assemblies the policies resolve
// to.
type Profile string

const (
	// ProfileProRes produces mezzanine-quality ProRes HQ in MOV.
	ProfileProRes Profile = "prores"
	// ProfileH264 produces a widely compatible H.264 MKV.
	ProfileH264 Profile = "h264"
	// ProfileFLAC extracts audio only, for audio-rip jobs.
	ProfileFLAC Profile = "flac"
)

// OutputExt returns the container extension the profile writes.
func (p Profile) OutputExt() string {
	switch p {
	case ProfileProRes:
		return ".mov"
	case ProfileFLAC:
		return ".flac"
	default:
		return ".mkv"
	}
}

func (p Profile) codecArgs() []string {
	switch p {
	case ProfileProRes:
		return []string{"-c:v", "prores_ks", "-profile:v", "3", "-c:a", "pcm_s16le"}
	case ProfileFLAC:
		return []string{"-vn", "-c:a", "flac"}
	default:
		return []string{"-c:v", "libx264", "-preset", "medium", "-crf", "18", "-c:a", "copy"}
	}
}

// ParseProfile resolves a configured profile name, defaulting to H.264.
func ParseProfile(name string) Profile {
	switch Profile(strings.ToLower(strings.TrimSpace(name))) {
	case ProfileProRes:
		return ProfileProRes
	case ProfileFLAC:
		return ProfileFLAC
	default:
		return ProfileH264
	}
}

// EncodeArgs assembles the transcode command line. input may be "pipe:0" for
// continuous-source mode. Progress goes to stdout as key=value lines; the
// human diagnostics stay on stderr.
func EncodeArgs(input, output string, profile Profile) []string {
	out := []string{
		"-hide_banner",
		"-y",
		"-i", input,
	}
	out = append(out, profile.codecArgs()...)
	out = append(out, "-progress", "pipe:1", output)
	return out
}

// ConcatArgs assembles a remux command for a group of raw container parts,
// concatenated in ascending part order into one output container. Streams are
// copied, not re-encoded.
func ConcatArgs(parts []string, output string) []string {
	concat := "concat:" + strings.Join(parts, "|")
	return []string{
		"-hide_banner",
		"-y",
		"-fflags", "+genpts",
		"-i", concat,
		"-map", "0:v", "-map", "0:a?",
		"-c", "copy",
		"-progress", "pipe:1",
		output,
	}
}

// FirstFrameProbeArgs assembles a cheap decode of the first video frame, used
// to pre-validate a container group before committing to a full remux.
func FirstFrameProbeArgs(input string) []string {
	return []string{
		"-hide_banner",
		"-v", "error",
		"-i", input,
		"-frames:v", "1",
		"-f", "null", "-",
	}
}

// GracefulStopToken is written to ffmpeg's stdin to request a clean finish,
// avoiding truncated or corrupt outputs on cancellation.
const GracefulStopToken = "q"

func (p Profile) String() string { return string(p) }

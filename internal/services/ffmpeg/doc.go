// Package ffmpeg assembles ffmpeg/ffprobe command lines and parses the
// `-progress pipe:1` key=value protocol into typed events.
//
// Like the makemkv package, parsing here is pure and stateless; the transcode
// coordinator owns supervision, percent accounting, and cancellation policy.
package ffmpeg

// Package makemkv translates makemkvcon's robot-mode line protocol into typed
// events and assembles the tool's command lines.
//
// Parsing is pure: one line in, one event out, no side effects, so the
// protocol can be unit-tested from fixtures without spawning anything. The
// extraction coordinator owns process supervision and all policy (error
// ceilings, kill decisions, fallback).
//
// Exit code 0 from makemkvcon is not trustworthy on its own: the tool reports
// rip failures through MSG lines while still exiting cleanly, which is why
// the parser surfaces an explicit Fatal event for "failed to save" and
// zero-titles-saved summaries.
package makemkv

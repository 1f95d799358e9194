// Package ripping coordinates title extraction from an optical medium.
//
// The coordinator spawns one makemkvcon invocation per requested title,
// consumes the robot-mode line protocol through the pure parser, accumulates
// media read errors against an absolute ceiling, and wires the health
// watchdog so silent hangs and zero-CPU deadlocks kill the process. Output
// correlation works from a directory baseline taken before each spawn: the
// files that appear during an invocation belong to that invocation's title.
//
// When every primary attempt fails recoverably and the medium carries a raw
// container layout, the coordinator hands the request to an injected
// fallback recoverer exactly once; the fallback's result then determines the
// outcome.
package ripping

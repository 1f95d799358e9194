// Package daemon runs the background service: single-instance locking, the
// workflow lanes, and the optional udev disc monitor that submits rip jobs
// when a disc appears in the configured drive.
package daemon

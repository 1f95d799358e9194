// Package queue persists pipeline jobs in SQLite.
//
// A Job carries only coarse status: kind, lifecycle state, blended progress,
// and the error text of the last failure. Transient data such as progress
// events and read-error records never lands here; coordinators stream those
// in memory and the workflow manager folds the outcome into the job row.
//
// Terminal statuses (completed, failed, cancelled) are immutable: Update
// refuses to move a job out of a terminal state.
package queue

// Package services holds the cross-cutting plumbing shared by pipeline
// components: the failure classification sentinels with their Wrap helper,
// and context annotations (job ID, stage, correlation ID) that the logging
// package turns into structured fields.
//
// Coordinators never decide terminal job status themselves; they tag errors
// with a classification marker and let the workflow manager translate it via
// FailureStatus.
package services

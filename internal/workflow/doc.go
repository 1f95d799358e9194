// Package workflow runs the per-job pipeline: extraction, title/file
// correlation, per-title transcode, then library placement with fan-out.
// The Manager owns every job status transition; coordinators only return
// structured results. Two independent lanes poll the queue so a transcode
// job never waits behind an extraction holding the drive.
package workflow

// Package config loads, normalizes, and validates the TOML configuration for
// the ripley pipeline.
//
// The supervision tunables (stall timeout, CPU sampling thresholds, read-error
// ceiling, fallback duration tolerance) are deliberately configuration rather
// than constants: the correct values depend on the drive, the medium, and the
// tool build, and operators need to adjust them without a rebuild.
package config

package config

import "fmt"

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// VersionError describes a configuration version mismatch.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d)", e.Version, e.Reason, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
// Files without a version are defaulted to the current one before this
// check runs.
func ValidateVersion(version int) error {
	if version <= 0 {
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "invalid"}
	}
	if version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion, Reason: "newer than this build"}
	}
	return nil
}

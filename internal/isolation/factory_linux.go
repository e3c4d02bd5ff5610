//go:build linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator. On Linux this is
// the cgroups v2 isolator when available; otherwise the timeout-only
// fallback.
func NewIsolator() (Isolator, error) {
	iso, err := NewLinuxIsolator()
	if err != nil {
		slog.Warn("isolation: cgroups v2 unavailable, using fallback (timeout only)", "error", err)
		return NewFallbackIsolator(), nil
	}
	return iso, nil
}

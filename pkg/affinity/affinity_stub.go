//go:build !linux

package affinity

import "log/slog"

func setAffinity(core int) error {
	slog.Debug("cpu affinity not supported on this platform", "core", core)
	return nil
}

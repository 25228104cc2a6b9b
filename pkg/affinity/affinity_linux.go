//go:build linux

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setAffinity(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin core %d: %w", core, err)
	}
	return nil
}

// Package affinity pins worker goroutines to CPU cores. The poll loops
// busy-wait on accelerator state; without pinning the scheduler can
// migrate them across cores and wreck cache locality.
package affinity

import "runtime"

// Pin locks the calling goroutine to its OS thread and binds that
// thread to the given CPU core. The goroutine should run to completion
// on this thread; the lock is never released.
func Pin(core int) error {
	runtime.LockOSThread()
	return setAffinity(core)
}

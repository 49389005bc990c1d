//go:build linux

package worker

import "golang.org/x/sys/unix"

// BindToParent asks the kernel to SIGKILL this process once its parent
// exits, so an orphaned worker never keeps running a core.
func BindToParent() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGKILL), 0, 0, 0)
}

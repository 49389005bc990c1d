//go:build !linux

package worker

// BindToParent is a no-op where the platform has no parent-death signal.
// The worker still exits on its own once the host closes stdin.
func BindToParent() error {
	return nil
}

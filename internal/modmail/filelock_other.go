//go:build !darwin && !linux

package modmail

func withFileLock(_ string, fn func() error) error {
	return fn()
}

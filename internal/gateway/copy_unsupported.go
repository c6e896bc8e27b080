//go:build !linux

package gateway

import "os"

func tryCloneFile(_, _ *os.File) bool {
	return false
}

func copyExtents(out, in *os.File, size int64) error {
	return copyRange(out, in, 0, size)
}

//go:build linux

package gateway

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func tryCloneFile(dst, src *os.File) bool {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd())) == nil
}

func copyExtents(out, in *os.File, size int64) error {
	fd := int(in.Fd())
	var off int64
	for off < size {
		data, err := unix.Seek(fd, off, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				return nil
			}
			if errors.Is(err, unix.EINVAL) && off == 0 {
				// SEEK_DATA unsupported; fall back to a dense copy.
				return copyRange(out, in, 0, size)
			}
			return err
		}
		hole, err := unix.Seek(fd, data, unix.SEEK_HOLE)
		if err != nil {
			return err
		}
		if err := copyRange(out, in, data, hole-data); err != nil {
			return err
		}
		off = hole
	}
	return nil
}

package gateway

import (
	"fmt"
	"io"
	"os"
)

// copySparse clones in into out when the filesystem supports reflinks and
// otherwise copies only the allocated extents so holes stay holes. out is
// truncated first and takes in's permission bits.
func copySparse(in, out *os.File) error {
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", in.Name())
	}

	if err := out.Truncate(0); err != nil {
		return err
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		return err
	}

	if tryCloneFile(out, in) {
		return out.Sync()
	}

	if err := out.Truncate(info.Size()); err != nil {
		return err
	}
	if err := copyExtents(out, in, info.Size()); err != nil {
		return err
	}
	return out.Sync()
}

func copyRange(out, in *os.File, off, length int64) error {
	_, err := io.Copy(io.NewOffsetWriter(out, off), io.NewSectionReader(in, off, length))
	return err
}

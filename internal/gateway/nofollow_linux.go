//go:build linux

package gateway

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const noSymlinks = unix.RESOLVE_NO_SYMLINKS | unix.RESOLVE_NO_MAGICLINKS

// openNoFollow opens path without following a symlink in any component.
func openNoFollow(path string, flags int, perm uint32) (*os.File, error) {
	how := unix.OpenHow{Flags: uint64(flags | unix.O_CLOEXEC), Resolve: noSymlinks}
	if flags&unix.O_CREAT != 0 {
		how.Mode = uint64(perm)
	}
	fd, err := unix.Openat2(unix.AT_FDCWD, path, &how)
	if err != nil {
		return nil, &os.PathError{Op: "openat2", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openParentNoFollow returns an O_PATH descriptor for path's directory and
// the final component.
func openParentNoFollow(path string) (int, string, error) {
	dir := filepath.Dir(path)
	fd, err := unix.Openat2(unix.AT_FDCWD, dir, &unix.OpenHow{
		Flags:   unix.O_PATH | unix.O_DIRECTORY | unix.O_CLOEXEC,
		Resolve: noSymlinks,
	})
	if err != nil {
		return -1, "", &os.PathError{Op: "openat2", Path: dir, Err: err}
	}
	return fd, filepath.Base(path), nil
}

// requireSingleLink refuses anything but a regular file with one link, so a
// hard link to a file elsewhere cannot be read or written through.
func requireSingleLink(f *os.File) (os.FileInfo, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return nil, fmt.Errorf("%s is not a regular file", f.Name())
	}
	if st.Nlink > 1 {
		return nil, fmt.Errorf("%s has %d hard links", f.Name(), st.Nlink)
	}
	return f.Stat()
}

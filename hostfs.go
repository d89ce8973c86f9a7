package initramfs

import (
	"fmt"
	"io"
	"os"

	"github.com/appsworld/go-initramfs/pkg/vfs"
	"golang.org/x/sys/unix"
)

// hostMeta is the subset of a host file's stat(2) metadata the assembler
// carries into the staging tree. rawMode retains the S_IFMT type bits for
// classification; mode is the permission-only value the staging tree
// stores.
type hostMeta struct {
	rawMode uint32
	mode    uint32
	uid     uint32
	gid     uint32
	mtime   uint32
	major   uint32
	minor   uint32
	size    int64
}

func (m hostMeta) isSymlink() bool  { return m.rawMode&unix.S_IFMT == unix.S_IFLNK }
func (m hostMeta) isCharDev() bool  { return m.rawMode&unix.S_IFMT == unix.S_IFCHR }
func (m hostMeta) isBlockDev() bool { return m.rawMode&unix.S_IFMT == unix.S_IFBLK }

// statHost reads path's metadata via stat(2), following symlinks.
func statHost(path string) (hostMeta, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return hostMeta{}, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	return metaFromStat(&st), nil
}

// lstatHost reads path's metadata via lstat(2), not following the final
// symlink component.
func lstatHost(path string) (hostMeta, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return hostMeta{}, fmt.Errorf("%w: lstat %s: %v", ErrIO, path, err)
	}
	return metaFromStat(&st), nil
}

func metaFromStat(st *unix.Stat_t) hostMeta {
	return hostMeta{
		rawMode: uint32(st.Mode),
		mode:    uint32(st.Mode) &^ unix.S_IFMT,
		uid:     st.Uid,
		gid:     st.Gid,
		mtime:   uint32(st.Mtim.Sec),
		major:   unix.Major(uint64(st.Rdev)),
		minor:   unix.Minor(uint64(st.Rdev)),
		size:    st.Size,
	}
}

// hostSource adapts a host file path into a vfs.Source that opens the file
// fresh on every call, so the staging tree never holds an open descriptor
// between insertion and encoding.
type hostSource string

func (h hostSource) Open() (io.ReadCloser, int64, error) {
	f, err := os.Open(string(h))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %v", ErrIO, string(h), err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: stat %s: %v", ErrIO, string(h), err)
	}
	return f, fi.Size(), nil
}

// HostSource wraps a host filesystem path as a vfs.Source, re-opened on
// every read.
func HostSource(path string) vfs.Source { return hostSource(path) }

func readHostLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", fmt.Errorf("%w: readlink %s: %v", ErrIO, path, err)
	}
	return target, nil
}

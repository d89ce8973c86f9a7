package initramfs

import (
	"errors"
	"fmt"
	"io"

	"github.com/appsworld/go-initramfs/pkg/cpio"
	"github.com/appsworld/go-initramfs/pkg/vfs"
)

// WriteArchive walks tree in its canonical deterministic order and encodes
// it as a newc CPIO stream to w. w receives raw, uncompressed bytes; wrap
// it in a pkg/sink.Sink first to compress.
func WriteArchive(w io.Writer, tree *vfs.Tree) error {
	cw := cpio.NewWriter(w)
	for _, e := range tree.Walk() {
		if err := writeEntry(cw, e); err != nil {
			return err
		}
	}
	return wrapIOErr("", cw.Close())
}

func writeEntry(cw *cpio.Writer, e *vfs.Entry) error {
	name := e.Path[1:] // newc convention: names are archive-relative, no leading slash
	if name == "" {
		name = "."
	}

	var err error
	switch e.Kind {
	case vfs.KindDir:
		err = cw.WriteDir(name, e.Mode, e.UID, e.GID, e.Mtime)
	case vfs.KindSymlink:
		err = cw.WriteSymlink(name, e.LinkTarget, e.UID, e.GID, e.Mtime)
	case vfs.KindCharDevice:
		err = cw.WriteNode(name, cpio.KindCharDevice, e.Mode, e.UID, e.GID, e.Mtime, e.DevMajor, e.DevMinor)
	case vfs.KindBlockDevice:
		err = cw.WriteNode(name, cpio.KindBlockDevice, e.Mode, e.UID, e.GID, e.Mtime, e.DevMajor, e.DevMinor)
	case vfs.KindFile:
		var r io.ReadCloser
		var size int64
		r, size, err = e.Data.Open()
		if err != nil {
			return wrapIOErr(e.Path, err)
		}
		defer r.Close()
		err = cw.WriteFileFrom(name, e.Mode, e.UID, e.GID, e.Mtime, size, r)
	default:
		return wrapErr(ErrInvalidPath, e.Path, fmt.Errorf("unknown entry kind %v", e.Kind))
	}
	return wrapIOErr(e.Path, err)
}

func wrapIOErr(path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, cpio.ErrPayloadTooLarge):
		return wrapErr(ErrPayloadTooLarge, path, err)
	case errors.Is(err, cpio.ErrNameTooLong):
		return wrapErr(ErrNameTooLong, path, err)
	default:
		return wrapErr(ErrIO, path, err)
	}
}

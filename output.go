package initramfs

import (
	"io"

	"github.com/appsworld/go-initramfs/pkg/sink"
	"github.com/appsworld/go-initramfs/pkg/vfs"
)

// WriteOutput writes the final initramfs file to w: an optional
// uncompressed microcode bundle followed by tree encoded as a newc stream
// and compressed with codec. Bundle may be nil to omit it. A bundle from
// pkg/ucode.Build is already 4-byte aligned, but bundle may also come from
// an arbitrary host file (the CLI's -ucode flag), so WriteOutput pads it
// to a 4-byte boundary itself before the compressed stream begins.
func WriteOutput(w io.Writer, tree *vfs.Tree, codec sink.Codec, bundle []byte) error {
	if len(bundle) > 0 {
		if _, err := w.Write(bundle); err != nil {
			return wrapIOErr("", err)
		}
		if pad := (4 - len(bundle)%4) % 4; pad > 0 {
			if _, err := w.Write(make([]byte, pad)); err != nil {
				return wrapIOErr("", err)
			}
		}
	}

	s, err := sink.New(w, codec)
	if err != nil {
		return wrapIOErr("", err)
	}
	if err := WriteArchive(s, tree); err != nil {
		return err
	}
	return wrapIOErr("", s.Close())
}

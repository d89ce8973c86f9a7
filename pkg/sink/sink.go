// Package sink wraps an output byte stream with a compression codec. The
// CPIO encoder writes its uncompressed stream through a Sink; the Sink
// owns flushing and finalizing the codec exactly once at end-of-stream.
package sink

import (
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Codec names a supported compression codec.
type Codec string

const (
	CodecNone Codec = "none"
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
)

// Sink is a write-closer that finalizes its underlying codec on Close.
// Close must be called exactly once, after the last byte has been
// written, and before the underlying writer is considered complete.
type Sink interface {
	io.WriteCloser
}

type passthroughSink struct {
	w io.Writer
}

func (s *passthroughSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *passthroughSink) Close() error                { return nil }

type gzipSink struct {
	zw *pgzip.Writer
}

func (s *gzipSink) Write(p []byte) (int, error) { return s.zw.Write(p) }
func (s *gzipSink) Close() error                { return s.zw.Close() }

type zstdSink struct {
	zw *zstd.Encoder
}

func (s *zstdSink) Write(p []byte) (int, error) { return s.zw.Write(p) }
func (s *zstdSink) Close() error                { return s.zw.Close() }

// New wraps w with the codec named by c. For gzip, the parallel pgzip
// writer runs at its default compression level. For zstd, the encoder
// runs at its default level with concurrency set to the host CPU count.
func New(w io.Writer, c Codec) (Sink, error) {
	switch c {
	case CodecNone, "":
		return &passthroughSink{w: w}, nil
	case CodecGzip:
		zw := pgzip.NewWriter(w)
		return &gzipSink{zw: zw}, nil
	case CodecZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(runtime.NumCPU()))
		if err != nil {
			return nil, fmt.Errorf("sink: creating zstd encoder: %w", err)
		}
		return &zstdSink{zw: zw}, nil
	default:
		return nil, fmt.Errorf("sink: unknown codec %q", c)
	}
}

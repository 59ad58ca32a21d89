// ABOUTME: Identity transcoder for passthrough downloads
// ABOUTME: Copies the source stream unchanged in fixed-size chunks
package transcode

import (
	"context"
	"io"

	"github.com/harper/audio-extract-proxy/internal/domain"
)

type Copy struct {
	ChunkBytes int
}

func (c Copy) Transcode(ctx context.Context, in io.Reader, out io.Writer) error {
	size := c.ChunkBytes
	if size <= 0 {
		size = 32 * 1024
	}
	buf := make([]byte, size)

	for {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		n, rerr := in.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if _, ok := domain.AsPipelineError(rerr); ok {
				return rerr
			}
			return domain.TranscodeFailure("copy failed", rerr)
		}
	}
}

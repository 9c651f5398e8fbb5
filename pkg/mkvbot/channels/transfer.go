package channels

import (
	"context"
	"fmt"
	"io"
	"os"
)

// CopyToFile streams r into a new file at dst, calling progress after every
// write with the bytes written so far. The copy stops when ctx is done.
func CopyToFile(ctx context.Context, dst string, r io.Reader, total int64, progress func(done, total int64)) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	w := &progressWriter{w: out, total: total, fn: progress}
	if _, err := io.Copy(w, contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return out.Close()
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
	return n, err
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}

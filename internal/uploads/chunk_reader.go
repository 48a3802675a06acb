package uploads

import (
	"context"
	"io"
	"time"

	"videosummary/internal/models"
)

type chunk struct {
	data []byte
	err  error
}

// chunkReader pulls fixed-size chunks from an arbitrary reader on a
// dedicated goroutine so the consumer can bound each read with a timeout.
// Plain io.Reader has no deadline support; a stalled client would otherwise
// hold the upload slot forever.
type chunkReader struct {
	ctx     context.Context
	cancel  context.CancelFunc
	chunks  chan chunk
	timeout time.Duration
}

func newChunkReader(ctx context.Context, r io.Reader, size int, timeout time.Duration) *chunkReader {
	ctx, cancel := context.WithCancel(ctx)
	cr := &chunkReader{
		ctx:     ctx,
		cancel:  cancel,
		chunks:  make(chan chunk),
		timeout: timeout,
	}
	go cr.read(r, size)
	return cr
}

func (cr *chunkReader) read(r io.Reader, size int) {
	defer close(cr.chunks)
	for {
		buf := make([]byte, size)
		n, err := r.Read(buf)
		result := chunk{err: err}
		if n > 0 {
			result.data = buf[:n]
		}
		select {
		case cr.chunks <- result:
		case <-cr.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// next returns the following chunk. It reports io.EOF at the end of the
// stream, a timeout kind when the client stalls past the per-chunk timeout,
// and a cancelled kind when the request context ends.
func (cr *chunkReader) next() ([]byte, error) {
	timer := time.NewTimer(cr.timeout)
	defer timer.Stop()

	select {
	case result, ok := <-cr.chunks:
		if !ok {
			return nil, io.EOF
		}
		return result.data, result.err
	case <-cr.ctx.Done():
		return nil, models.WithKind(models.KindCancelled, cr.ctx.Err())
	case <-timer.C:
		cr.cancel()
		return nil, models.Kindf(models.KindTimeout, "reading upload chunk timed out after %s", cr.timeout)
	}
}

// stop releases the reader goroutine. Safe to call more than once.
func (cr *chunkReader) stop() {
	cr.cancel()
}

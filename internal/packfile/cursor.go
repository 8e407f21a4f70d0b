package packfile

import (
	"bufio"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// cursorBufSize bounds how far the inflater reads ahead of one object's
// compressed stream. Bytes read ahead are not counted as consumed (see
// inflateWithConsumed), so the size affects only how much extra input is
// read per object, not the reported cursor position.
const cursorBufSize = 512

// countingReader tracks the total number of bytes handed back by Read,
// regardless of how much of that the caller (here, bufio.Reader) goes
// on to actually consume.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// inflateWithConsumed zlib-inflates one object's worth of data from r and
// reports exactly how many bytes of r were consumed, so the caller can
// position its cursor at the next object's header without needing a
// seekable source or a length prefix.
func inflateWithConsumed(r io.Reader) (data []byte, consumed int64, err error) {
	cr := &countingReader{r: r}
	br := bufio.NewReaderSize(cr, cursorBufSize)

	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, 0, fmt.Errorf("packfile: inflate: %w", err)
	}
	data, err = io.ReadAll(zr)
	if err != nil {
		zr.Close()
		return nil, 0, fmt.Errorf("packfile: inflate: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, 0, fmt.Errorf("packfile: inflate: %w", err)
	}

	consumed = cr.n - int64(br.Buffered())
	return data, consumed, nil
}

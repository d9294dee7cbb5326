package trace

import (
	"io"

	"github.com/stealthrocket/sysreplay/internal/stream"
)

// DefaultCursorSize is the number of rows read at once from the underlying
// source by cursors.
const DefaultCursorSize = 256

// Cursor is a position in a stream of rows, which records decode from.
//
// Records may span more than one row (vector I/O, execve). The cursor lets
// them look ahead with Peek and move past all their rows with Advance. Rows
// returned by Peek remain valid until the next call to Peek or Advance which
// refills the cursor from its source; pending rows are copied out of the
// source memory before each refill, so a row is never lost or observed twice.
type Cursor struct {
	src      stream.Reader[Row]
	buf      []Row
	rows     []Row
	pos      int
	owned    int
	consumed int64
	eof      bool
	err      error
}

// NewCursor returns a cursor reading rows from src, size rows at a time.
func NewCursor(src stream.Reader[Row], size int) *Cursor {
	if size <= 0 {
		size = DefaultCursorSize
	}
	return &Cursor{src: src, buf: make([]Row, size)}
}

// More reports whether at least one more row is available.
func (c *Cursor) More() bool {
	_, ok := c.Peek(0)
	return ok
}

// Peek returns the i-th row after the current position.
func (c *Cursor) Peek(i int) (*Row, bool) {
	for c.pos+i >= len(c.rows) {
		if !c.refill() {
			return nil, false
		}
	}
	return &c.rows[c.pos+i], true
}

// Advance moves the cursor past n rows.
func (c *Cursor) Advance(n int) {
	if avail := len(c.rows) - c.pos; n > avail {
		n = avail
	}
	c.pos += n
	c.consumed += int64(n)
}

// Consumed returns the number of rows the cursor moved past so far.
func (c *Cursor) Consumed() int64 { return c.consumed }

// Err returns the error which stopped the cursor, other than io.EOF.
func (c *Cursor) Err() error { return c.err }

func (c *Cursor) refill() bool {
	if c.eof || c.err != nil {
		return false
	}

	var rows []Row
	if pending := c.rows[c.pos:]; len(pending) > 0 {
		rows = make([]Row, 0, len(pending)+len(c.buf))
		for i := range pending {
			if c.pos+i < c.owned {
				rows = append(rows, pending[i])
			} else {
				rows = append(rows, pending[i].Clone())
			}
		}
	}
	owned := len(rows)

	n, err := c.src.Read(c.buf)
	switch {
	case err == io.EOF:
		c.eof = true
	case err != nil:
		c.err = err
	case n == 0:
		c.err = io.ErrNoProgress
	}

	if rows == nil {
		rows = c.buf[:n]
	} else {
		rows = append(rows, c.buf[:n]...)
	}
	c.rows, c.pos, c.owned = rows, 0, owned
	return n > 0
}

package textprint

import (
	"bytes"
	"io"
)

// Indent returns a writer which prefixes every line written to w with the
// given prefix.
func Indent(w io.Writer, prefix string) io.Writer {
	return &lineprefixer{
		prefix: []byte(prefix),
		output: w,
		start:  true,
	}
}

type lineprefixer struct {
	prefix []byte
	output io.Writer
	start  bool
}

func (l *lineprefixer) Write(b []byte) (int, error) {
	count := 0
	for len(b) > 0 {
		if l.start {
			l.start = false
			if _, err := l.output.Write(l.prefix); err != nil {
				return count, err
			}
		}

		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			i = len(b)
		} else {
			i++
			l.start = true
		}
		n, err := l.output.Write(b[:i])
		count += n
		if err != nil {
			return count, err
		}
		b = b[i:]
	}
	return count, nil
}

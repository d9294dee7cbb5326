package textprint_test

import (
	"bytes"
	"testing"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/print/human"
	"github.com/stealthrocket/sysreplay/internal/print/textprint"
)

type syscallRow struct {
	Kind   string         `text:"KIND"`
	Count  int            `text:"COUNT"`
	Mean   human.Duration `text:"MEAN"`
	Hidden int            `text:"-"`
}

func TestTableWriteNothing(t *testing.T) {
	b := new(bytes.Buffer)
	w := textprint.NewTableWriter[syscallRow](b)
	assert.OK(t, w.Close())
	assert.Equal(t, b.String(), "KIND  COUNT  MEAN\n")
}

func TestTableWriteValues(t *testing.T) {
	b := new(bytes.Buffer)
	w := textprint.NewTableWriter[syscallRow](b,
		textprint.OrderBy(func(a, b syscallRow) bool { return a.Kind < b.Kind }),
		textprint.Footer(syscallRow{Kind: "total", Count: 13}),
	)
	_, err := w.Write([]syscallRow{
		{Kind: "write", Count: 10, Mean: 1500},
		{Kind: "openat", Count: 2, Mean: 12400},
		{Kind: "close", Count: 1, Mean: 800, Hidden: 42},
	})
	assert.OK(t, err)
	assert.OK(t, w.Close())
	assert.Equal(t, b.String(), `KIND    COUNT  MEAN
close   1      800ns
openat  2      12.4µs
write   10     1.5µs
total   13     0ns
`)
}

func TestWriterSeparator(t *testing.T) {
	b := new(bytes.Buffer)
	w := textprint.NewWriter[int](b, textprint.Separator[int]("--\n"))
	_, err := w.Write([]int{1, 2})
	assert.OK(t, err)
	assert.OK(t, w.Close())
	assert.Equal(t, b.String(), "1\n--\n2\n")
}

func TestIndent(t *testing.T) {
	b := new(bytes.Buffer)
	w := textprint.Indent(b, "  | ")
	_, err := w.Write([]byte("fd: 3\nbuf: "))
	assert.OK(t, err)
	_, err = w.Write([]byte("hello\n"))
	assert.OK(t, err)
	assert.Equal(t, b.String(), "  | fd: 3\n  | buf: hello\n")
}

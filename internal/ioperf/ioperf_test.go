package ioperf_test

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stealthrocket/sysreplay/internal/assert"
	"github.com/stealthrocket/sysreplay/internal/ioperf"
)

func TestPrefetchReader(t *testing.T) {
	b := new(bytes.Buffer)
	b.Grow(1e6)

	for i := 0; i < 100e3; i++ {
		b.WriteString("1234567890")
	}

	for _, size := range []int{0, 2, 7, 4096} {
		r := ioperf.NewPrefetchReader(bytes.NewReader(b.Bytes()), size)

		w := new(bytes.Buffer)
		n, err := io.Copy(w, r)
		assert.OK(t, err)
		assert.Equal(t, int(n), b.Len())
		assert.True(t, bytes.Equal(w.Bytes(), b.Bytes()))
		assert.OK(t, r.Close())
	}
}

func TestPrefetchReaderError(t *testing.T) {
	errBroken := errors.New("broken")
	src := io.MultiReader(bytes.NewReader([]byte("hello")), iotest.ErrReader(errBroken))

	r := ioperf.NewPrefetchReader(src, 64)
	defer r.Close()

	b, err := io.ReadAll(r)
	assert.Error(t, err, errBroken)
	assert.Equal(t, string(b), "hello")

	_, err = r.Read(make([]byte, 1))
	assert.Error(t, err, errBroken)
}

func TestPrefetchReaderCloseEarly(t *testing.T) {
	r := ioperf.NewPrefetchReader(bytes.NewReader(make([]byte, 1<<20)), 1024)
	_, err := r.Read(make([]byte, 10))
	assert.OK(t, err)
	assert.OK(t, r.Close())
	assert.OK(t, r.Close())
}

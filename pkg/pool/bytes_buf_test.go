package pool

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBuf(t *testing.T) {
	for _, size := range []int{0, 1, 512, 4096, 4097, 65535, 65536} {
		b := GetBuf(size)
		assert.GreaterOrEqual(t, len(b.Bytes()), size)
		b.Release()
	}
	b := GetBuf(70000)
	assert.Len(t, b.Bytes(), 70000)
	b.Release()
}

func TestReadAllLimited(t *testing.T) {
	data := bytes.Repeat([]byte{0xab}, 5000)

	got, over, err := ReadAllLimited(bytes.NewReader(data), 65535)
	require.NoError(t, err)
	assert.False(t, over)
	assert.Equal(t, data, got)

	_, over, err = ReadAllLimited(bytes.NewReader(data), 4999)
	require.NoError(t, err)
	assert.True(t, over)

	got, over, err = ReadAllLimited(strings.NewReader(""), 10)
	require.NoError(t, err)
	assert.False(t, over)
	assert.Empty(t, got)
}

func TestReadAllLimited_smallBufBoundary(t *testing.T) {
	for _, n := range []int{smallBufSize - 1, smallBufSize, smallBufSize + 1, largeBufSize - 1} {
		data := bytes.Repeat([]byte{0xcd}, n)
		data[n-1] = 0xef

		// Reads end at odd offsets around the buffer switch.
		got, over, err := ReadAllLimited(&halfReader{r: bytes.NewReader(data)}, 65535)
		require.NoError(t, err, "size %d", n)
		assert.False(t, over)
		assert.Equal(t, data, got, "size %d", n)
	}

	_, over, err := ReadAllLimited(bytes.NewReader(make([]byte, smallBufSize)), smallBufSize-1)
	require.NoError(t, err)
	assert.True(t, over)

	got, over, err := ReadAllLimited(bytes.NewReader(make([]byte, smallBufSize)), smallBufSize)
	require.NoError(t, err)
	assert.False(t, over)
	assert.Len(t, got, smallBufSize)

	_, over, err = ReadAllLimited(bytes.NewReader(make([]byte, 65536)), 65535)
	require.NoError(t, err)
	assert.True(t, over)
}

// halfReader returns at most half of the requested bytes per read.
type halfReader struct {
	r *bytes.Reader
}

func (h *halfReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:len(p)/2]
	}
	return h.r.Read(p)
}

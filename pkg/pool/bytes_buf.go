package pool

import (
	"io"
	"sync"
)

// Buffer is a pooled byte slice. Release must be called after use.
type Buffer struct {
	b []byte
	p *sync.Pool
}

// Bytes returns the full underlying slice.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Release returns the buffer to its pool. b must not be used afterwards.
func (b *Buffer) Release() {
	if b.p != nil {
		b.p.Put(b)
	}
}

const (
	smallBufSize = 4096
	largeBufSize = 64 * 1024
)

var (
	smallBufPool = sync.Pool{}
	largeBufPool = sync.Pool{}
)

func init() {
	smallBufPool.New = func() any { return &Buffer{b: make([]byte, smallBufSize), p: &smallBufPool} }
	largeBufPool.New = func() any { return &Buffer{b: make([]byte, largeBufSize), p: &largeBufPool} }
}

// GetBuf returns a *Buffer with at least size bytes.
// Sizes above 64KiB are allocated and not pooled.
func GetBuf(size int) *Buffer {
	switch {
	case size <= smallBufSize:
		return smallBufPool.Get().(*Buffer)
	case size <= largeBufSize:
		return largeBufPool.Get().(*Buffer)
	default:
		return &Buffer{b: make([]byte, size)}
	}
}

// ReadAllLimited reads r into a copy of at most limit bytes. The returned bool
// reports whether r had more than limit bytes.
// DNS messages are mostly below 4KiB, so the first read goes into a small
// pooled buffer and only bodies that fill it move to a buffer of limit+1.
func ReadAllLimited(r io.Reader, limit int) ([]byte, bool, error) {
	buf := GetBuf(min(limit+1, smallBufSize))
	defer func() { buf.Release() }()
	b := buf.Bytes()[:min(limit+1, smallBufSize)]

	var total int
	for {
		if total == len(b) {
			if total > limit {
				return nil, true, nil
			}
			nb := GetBuf(limit + 1)
			copy(nb.Bytes(), b[:total])
			buf.Release()
			buf, b = nb, nb.Bytes()[:limit+1]
		}
		n, err := r.Read(b[total:])
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
	}
	if total > limit {
		return nil, true, nil
	}
	out := make([]byte, total)
	copy(out, b[:total])
	return out, false, nil
}

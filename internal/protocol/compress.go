package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// DefaultCompressThreshold is the payload size from which deflate pays off.
const DefaultCompressThreshold = 150

// maxInflated bounds the size of an inflated payload.
const maxInflated = 64 << 20

var writerPool = sync.Pool{
	New: func() any {
		w, _ := flate.NewWriter(nil, flate.DefaultCompression)
		return w
	},
}

// Deflate compresses b with raw deflate.
func Deflate(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := writerPool.Get().(*flate.Writer)
	defer writerPool.Put(w)
	w.Reset(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}

// Inflate reverses Deflate.
func Inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(out) > maxInflated {
		return nil, fmt.Errorf("inflate: %w", ErrFrameTooLarge)
	}
	return out, nil
}

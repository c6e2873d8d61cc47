// Package sha256 computes SHA-256 digests of streamed content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader hashes everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		_, _ = d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (d *Reader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Len reports how many bytes have been read.
func (d *Reader) Len() int64 {
	return d.n
}

package progress

import (
	"bytes"
	"io"
)

// Func receives the number of bytes read so far and the expected total.
// Total is -1 if unknown.
type Func func(received, total int64)

// Reader is a wrapper around io.Reader that saves everything read to a buffer.
// It optionally reports progress to a callback after every read.
type Reader struct {
	r        io.Reader
	b        *bytes.Buffer
	total    int64
	received int64
	report   Func
}

// Implementation of io.Reader
func (p *Reader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.b.Write(b[:n])
		p.received += int64(n)
		if p.report != nil {
			p.report(p.received, p.total)
		}
	}
	return n, err
}

// Bytes returns everything read so far.
func (p *Reader) Bytes() []byte {
	return p.b.Bytes()
}

// Received returns the number of bytes read so far.
func (p *Reader) Received() int64 {
	return p.received
}

// ReadAll reads the underlying reader to completion and returns the saved bytes.
func (p *Reader) ReadAll() ([]byte, error) {
	_, err := io.Copy(io.Discard, p)
	return p.Bytes(), err
}

// NewReader returns a new Reader.
// If report is not nil, it is called with the progress after every read.
// Negative totals are normalized to -1 (unknown).
func NewReader(r io.Reader, total int64, report Func) *Reader {
	if total < 0 {
		total = -1
	}
	p := &Reader{
		r:      r,
		b:      &bytes.Buffer{},
		total:  total,
		report: report,
	}
	if total > 0 {
		p.b.Grow(int(total))
	}
	return p
}

package progress

import "io"

// Reader wraps an io.Reader and calls OnProgress every interval bytes.
type Reader struct {
	r          io.Reader
	total      int64
	interval   int64
	read       int64
	sinceLast  int64
	OnProgress func(read int64, total int64)
}

// NewReader returns a Reader over r. total may be -1 when unknown.
func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		interval:   interval,
		OnProgress: cb,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.interval > 0 && pr.sinceLast >= pr.interval && pr.OnProgress != nil {
			pr.OnProgress(pr.read, pr.total)
			pr.sinceLast = 0
		}
	}

	return n, err
}

// BytesRead is the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

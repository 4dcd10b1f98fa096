package anon

import (
	"io"
)

const readChunk = 4096

// RestoringReader wraps an anonymized stream and replaces placeholders with
// their originals before the bytes reach the consumer. Placeholders split
// across reads are handled by holding back a tail of the buffer that could
// still be the start of one.
type RestoringReader struct {
	src      io.Reader
	res      *resolver
	holdBack int

	pending []byte // read from src, not yet restored
	out     []byte // restored, not yet returned
	srcEOF  bool
	err     error
}

// NewRestoringReader wraps src so that every placeholder of m is restored.
// It fails with ErrMalformedMapping if m is invalid. Read returns an error
// wrapping ErrUnresolvedPlaceholder when the stream references a placeholder
// that m does not cover.
func NewRestoringReader(src io.Reader, m Mapping) (*RestoringReader, error) {
	res, err := newResolver(m)
	if err != nil {
		return nil, err
	}
	return &RestoringReader{
		src:      src,
		res:      res,
		holdBack: res.maxLen - 1,
	}, nil
}

// Read implements io.Reader.
func (r *RestoringReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.srcEOF {
			if len(r.pending) == 0 {
				return 0, io.EOF
			}
			r.flush(true)
			continue
		}

		size := len(p)
		if size < readChunk {
			size = readChunk
		}
		tmp := make([]byte, size)
		n, err := r.src.Read(tmp)
		r.pending = append(r.pending, tmp[:n]...)
		if err == io.EOF {
			r.srcEOF = true
		} else if err != nil {
			r.err = err
			continue
		}
		if !r.srcEOF {
			r.flush(false)
		}
	}

	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}

// flush restores the part of pending that no placeholder can straddle. At
// EOF everything is flushed.
func (r *RestoringReader) flush(final bool) {
	locs := r.res.re.FindAllIndex(r.pending, -1)

	cut := len(r.pending)
	if !final {
		cut -= r.holdBack
		for _, loc := range locs {
			if loc[0] < cut && loc[1] > cut {
				cut = loc[0]
				break
			}
		}
		if cut <= 0 {
			return
		}
	}

	var head [][]int
	for _, loc := range locs {
		if loc[1] > cut {
			break
		}
		head = append(head, loc)
	}

	out, err := r.res.appendResolved(r.out, r.pending[:cut], head)
	if err != nil {
		r.err = err
		return
	}
	r.out = out
	r.pending = append(r.pending[:0:0], r.pending[cut:]...)
}

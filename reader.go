package l2

import "errors"

// Reader is the read-side streaming primitive described in the
// record layer's contract (§4.1): it wraps at most one contiguous
// plaintext fragment plus an optional accumulator used to carry bytes
// across a pause. It is handed to callers of read_start.
//
// The common case -- a record fully consumed within one read_start /
// read_done pair -- never touches the accumulator: feed attaches the
// record's fragment directly and Get slices it with no copy. Only
// when reclaim finds unconsumed bytes, or a new record resumes a
// previously paused stream, does data move through acc.
type Reader struct {
	acc    []byte // fixed-capacity scratch buffer, reused across pauses
	accLen int    // valid bytes in acc; >0 means the logical fragment lives here, not in frag
	frag   []byte // directly attached fragment, used when accLen == 0

	attached  bool
	pos       int // read cursor into the logical fragment (acc[:accLen] or frag)
	committed int // bytes consumed (committed) so far
}

func newReader(accumulatorCap int) *Reader {
	return &Reader{acc: make([]byte, 0, accumulatorCap)}
}

func (r *Reader) source() []byte {
	if r.accLen > 0 {
		return r.acc[:r.accLen]
	}
	return r.frag
}

// feed attaches a new fragment. If the reader is resuming from a pause
// (accLen > 0), frag is appended to the accumulator so the combined
// bytes are read contiguously; the accumulator's capacity bounds how
// much can be carried this way.
func (r *Reader) feed(frag []byte) error {
	if r.attached {
		return newErr(KindInvalidArgs, "reader already has a fragment attached")
	}
	if r.accLen > 0 {
		if r.accLen+len(frag) > cap(r.acc) {
			return newErr(KindInvalidRecord, "accumulator too small to resume paused message")
		}
		r.acc = r.acc[:r.accLen+len(frag)]
		copy(r.acc[r.accLen:], frag)
		r.accLen += len(frag)
		r.frag = nil
	} else {
		r.frag = frag
	}
	r.attached = true
	r.pos = 0
	r.committed = 0
	return nil
}

// Get yields up to desired bytes starting at the current read cursor.
// It returns fewer than desired if that's all that's available, and
// fails with errOutOfData once the attached fragment is exhausted. It
// fails with an InvalidArgs error if no fragment is attached.
func (r *Reader) Get(desired int) ([]byte, error) {
	if !r.attached {
		return nil, newErr(KindInvalidArgs, "no fragment attached")
	}
	src := r.source()
	if r.pos >= len(src) {
		return nil, errOutOfData
	}
	n := desired
	if avail := len(src) - r.pos; n > avail || n <= 0 {
		n = avail
	}
	out := src[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// Commit marks everything handed out by Get so far as consumed.
func (r *Reader) Commit() {
	r.committed = r.pos
}

// reclaim detaches the current fragment. If bytes remain beyond the
// committed boundary, they are copied into the accumulator so a future
// feed can resume the stream; reclaim reports how many bytes were
// carried over this way.
func (r *Reader) reclaim() (remaining int, err error) {
	src := r.source()
	total := len(src)
	remaining = total - r.committed
	if remaining < 0 {
		remaining = 0
	}
	if remaining > 0 {
		if remaining > cap(r.acc) {
			return 0, newErr(KindInvalidRecord, "accumulator too small to pause message")
		}
		tail := src[r.committed:total]
		acc := r.acc[:remaining]
		copy(acc, tail) // copy handles the acc-into-itself overlap case correctly
		r.acc = acc
		r.accLen = remaining
	} else {
		r.accLen = 0
	}
	r.frag = nil
	r.attached = false
	r.pos = 0
	r.committed = 0
	return remaining, nil
}

// paused reports whether the reader is currently holding carried-over
// bytes in its accumulator (i.e. is in the "paused" state).
func (r *Reader) paused() bool {
	return !r.attached && r.accLen > 0
}

// dropAccumulator discards any bytes reclaim stashed in the
// accumulator, used when the record layer decides to resume reading
// the same transport record directly (merge continuation) instead of
// carrying the leftover into a pause.
func (r *Reader) dropAccumulator() {
	r.accLen = 0
}

// errOutOfData is returned by Reader.Get when the attached fragment
// has no bytes left; callers of Get compare against it to detect the
// end of the available plaintext.
var errOutOfData = errors.New("reader: out of data")

package l2

import (
	"github.com/pion/transport/v3/replaydetector"
)

// maxSequenceNumber is the largest 48-bit record sequence number
// (DTLS) / 64-bit implicit counter (TLS) Layer 2 will use before
// refusing to advance further; see CounterOverflow in errors.go.
const maxSequenceNumber = 1<<48 - 1

// epoch owns a Transform plus the sequence-number bookkeeping for one
// keyed protection context, for whichever of the stream or datagram
// sequence-number disciplines the context is running under.
type epoch struct {
	transform Transform
	usage     Usage

	// stream mode
	outCtr uint64
	inCtr  uint64

	// datagram mode
	dgramOutCtr uint64
	lastSeen    uint64
	replay      replaydetector.ReplayDetector // nil if anti-replay disabled
}

func newEpoch(transform Transform) *epoch {
	if transform == nil {
		transform = identityTransform{}
	}
	return &epoch{transform: transform}
}

func (e *epoch) close() {
	if e.transform != nil {
		e.transform.Close()
	}
}

// checkReplay reports whether seq should be accepted. On acceptance it
// returns a commit function that must be called once the record has
// also passed authentication, finalizing the window update; per
// pion/transport/replaydetector's check-then-mark contract, a
// provisional Check must never be allowed to mark state before the
// record is known genuine.
func (e *epoch) checkReplay(seq uint64) (commit func() bool, ok bool) {
	if e.replay == nil {
		return func() bool { return true }, true
	}
	return e.replay.Check(seq)
}

// epochTable is the small sliding window of simultaneously active
// epochs described in spec.md §3/§4.4: a base id plus WindowSize
// slots, with `next` tracking the first free offset.
type epochTable struct {
	base EpochID
	next int
	slot [WindowSize]*epoch

	antiReplay      AntiReplay
	replayWindow    uint
	mode            Mode

	// stream-mode default epoch pointers (offsets into slot)
	defaultIn  int
	defaultOut int
	haveIn     bool
	haveOut    bool
}

func newEpochTable(mode Mode, antiReplay AntiReplay) *epochTable {
	return &epochTable{mode: mode, antiReplay: antiReplay, replayWindow: 64}
}

// id returns the epoch id for window offset off.
func (t *epochTable) id(off int) EpochID { return t.base + EpochID(off) }

// offset returns the window offset for id, and whether it currently
// falls within [base, base+next).
func (t *epochTable) offset(id EpochID) (int, bool) {
	off := int(id - t.base)
	if off < 0 || off >= t.next {
		return 0, false
	}
	return off, true
}

func (t *epochTable) at(id EpochID) (*epoch, bool) {
	off, ok := t.offset(id)
	if !ok {
		return nil, false
	}
	return t.slot[off], true
}

// canGC reports whether the epoch at offset off is no longer
// referenced and can be retired to slide the window forward; the
// caller supplies the set of offsets still referenced by in-flight
// readers/writers and the stream-mode defaults.
func (t *epochTable) canGC(off int, referenced func(int) bool) bool {
	if off != 0 {
		// only the base (oldest) slot is ever retired, preserving order.
		return false
	}
	if referenced(off) {
		return false
	}
	if t.mode == ModeStream {
		if t.haveIn && t.defaultIn == off {
			return false
		}
		if t.haveOut && t.defaultOut == off {
			return false
		}
	} else if t.slot[off] != nil && t.slot[off].usage != 0 {
		return false
	}
	return true
}

// gc slides the window forward by one slot, discarding the epoch
// occupying offset 0 (it must already have been confirmed collectable
// via canGC).
func (t *epochTable) gc() {
	if t.slot[0] != nil {
		t.slot[0].close()
	}
	copy(t.slot[:], t.slot[1:])
	t.slot[len(t.slot)-1] = nil
	t.base++
	if t.next > 0 {
		t.next--
	}
	if t.mode == ModeStream {
		if t.haveIn {
			if t.defaultIn == 0 {
				t.haveIn = false
			} else {
				t.defaultIn--
			}
		}
		if t.haveOut {
			if t.defaultOut == 0 {
				t.haveOut = false
			} else {
				t.defaultOut--
			}
		}
	}
}

// add binds transform to a fresh epoch id, sliding the window forward
// (garbage-collecting the oldest epoch) if necessary to make room.
// referenced reports whether window offset off is still pinned by an
// in-flight reader/writer.
func (t *epochTable) add(transform Transform, referenced func(int) bool) (EpochID, error) {
	if t.next == WindowSize {
		if !t.canGC(0, referenced) {
			return EpochNone, newErr(KindTooManyEpochs, "epoch window full")
		}
		t.gc()
	}
	e := newEpoch(transform)
	if t.mode == ModeDatagram && t.antiReplay == AntiReplayEnabled {
		e.replay = replaydetector.New(t.replayWindow, maxSequenceNumber)
	}
	off := t.next
	t.slot[off] = e
	t.next++
	return t.id(off), nil
}

// setUsage updates the allowed directions for epoch id. In stream
// mode, granting READ/WRITE promotes the epoch to default_in/
// default_out, revoking it from whichever epoch previously held that
// role.
func (t *epochTable) setUsage(id EpochID, usage Usage) error {
	off, ok := t.offset(id)
	if !ok {
		return newErr(KindInvalidArgs, "unknown epoch")
	}
	e := t.slot[off]
	if t.mode == ModeStream {
		if usage&UsageRead != 0 {
			if t.haveIn {
				t.slot[t.defaultIn].usage &^= UsageRead
			}
			t.defaultIn = off
			t.haveIn = true
		}
		if usage&UsageWrite != 0 {
			if t.haveOut {
				t.slot[t.defaultOut].usage &^= UsageWrite
			}
			t.defaultOut = off
			t.haveOut = true
		}
	}
	e.usage |= usage
	return nil
}

func (t *epochTable) inEpoch() (*epoch, EpochID, bool) {
	if t.mode != ModeStream || !t.haveIn {
		return nil, EpochNone, false
	}
	return t.slot[t.defaultIn], t.id(t.defaultIn), true
}

func (t *epochTable) outEpoch() (*epoch, EpochID, bool) {
	if t.mode != ModeStream || !t.haveOut {
		return nil, EpochNone, false
	}
	return t.slot[t.defaultOut], t.id(t.defaultOut), true
}

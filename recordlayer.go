package l2

import "github.com/pion/logging"

// outState tracks what the write side is doing with the record
// currently under construction.
type outState uint8

const (
	outIdle outState = iota
	// outAttached: the writer is attached to a region -- either a live
	// transport buffer (outLiveTransport true) or the writer's own
	// carry queue, reactivated so a pausable write can keep extending
	// without pinning a transport buffer (outLiveTransport false).
	outAttached
	// outQueued: a pausable type's committed bytes sit in the writer's
	// carry queue, detached, waiting for either the queue to fill up
	// (on a later WriteStart) or an explicit WriteFlush.
	outQueued
)

// Context is the Layer 2 record-processing engine: it sits between a
// Transport (Layer 1, raw bytes) and a caller that produces/consumes
// one content type's payload at a time, handling record framing,
// epoch-keyed transforms, sequence numbers and anti-replay.
//
// A Context is not safe for concurrent use; callers serialize their own
// access the same way mint's DefaultRecordLayer expects its Lock/Unlock
// to be used around a connection.
type Context struct {
	cfg       *Config
	transport Transport
	epochs    *epochTable
	log       logging.LeveledLogger

	reader       *Reader // active reader slot
	pausedReader *Reader // paused reader slot, holds a second suspended type
	writer       *Writer

	// incoming
	inOpen        bool // a decrypted transport record is open: not yet consumed from the transport
	fetchedType   ContentType
	fetchedEpoch  EpochID
	inType        ContentType // active slot's bound content type, persists across UNSET
	inEpoch       EpochID
	inPlain       []byte
	inUnread      int // bytes of inPlain not yet offered to a Reader (merge continuation)
	inTotalLen    int // header+ciphertext length of the currently open transport record
	activeBound   bool
	inPaused      bool
	inPausedType  ContentType
	inPausedEpoch EpochID

	badMacCtr uint64

	// outgoing
	outMode          outState
	outType          ContentType
	outEpoch         EpochID
	outBuf           bufPair // header+payload buffer for the record under construction
	outHdrLen        int
	outRegion        []byte // region currently fed to writer (slice of outBuf.buf, or the queue buffer)
	outLiveTransport bool   // whether outRegion is backed by a reserved transport buffer
	flush            bool   // write_flush requested a drain; retry before the next write_start
	clearing         bool   // a prior drain attempt hit WantWrite; must retry before proceeding
}

// NewContext builds a Context over transport using cfg, which must not
// be modified afterwards. mode and antiReplay on cfg select the
// stream/datagram discipline used for every epoch added later.
func NewContext(cfg *Config, transport Transport) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Context{
		cfg:          cfg,
		transport:    transport,
		epochs:       newEpochTable(cfg.Mode, cfg.AntiReplay),
		log:          cfg.logger(),
		reader:       newReader(cfg.AccumulatorSize),
		pausedReader: newReader(cfg.AccumulatorSize),
		writer:       newWriter(cfg.QueueSize),
	}
	if _, err := c.epochs.add(identityTransform{}, c.referenced); err != nil {
		return nil, err
	}
	return c, nil
}

// referenced reports whether window offset off is still pinned by an
// in-flight read or write, used by epochTable.canGC.
func (c *Context) referenced(off int) bool {
	if c.inOpen {
		if o, ok := c.epochs.offset(c.fetchedEpoch); ok && o == off {
			return true
		}
	}
	if c.activeBound {
		if o, ok := c.epochs.offset(c.inEpoch); ok && o == off {
			return true
		}
	}
	if c.inPaused {
		if o, ok := c.epochs.offset(c.inPausedEpoch); ok && o == off {
			return true
		}
	}
	if c.outMode != outIdle {
		if o, ok := c.epochs.offset(c.outEpoch); ok && o == off {
			return true
		}
	}
	return false
}

// Free releases every epoch's transform. The Context must not be used
// afterwards.
func (c *Context) Free() {
	for i := 0; i < c.epochs.next; i++ {
		if e := c.epochs.slot[i]; e != nil {
			e.close()
		}
	}
}

// EpochAdd binds transform to a fresh epoch, returning its id. transform
// may be nil for the identity (unprotected) transform.
func (c *Context) EpochAdd(transform Transform) (EpochID, error) {
	return c.epochs.add(transform, c.referenced)
}

// EpochUsage grants an epoch permission to be used for reading,
// writing, or both. In stream mode this also promotes the epoch to the
// default in/out epoch, matching TLS's one-current-epoch-per-direction
// model.
func (c *Context) EpochUsage(id EpochID, usage Usage) error {
	return c.epochs.setUsage(id, usage)
}

// ForceNextSequenceNumber overwrites epoch id's next outgoing sequence
// number. DTLS only; TLS's sequence numbers are implicit and always
// start from the epoch's creation.
func (c *Context) ForceNextSequenceNumber(id EpochID, seq uint64) error {
	if c.cfg.Mode != ModeDatagram {
		return newErr(KindInvalidArgs, "force_next_sequence_number is DTLS only")
	}
	e, ok := c.epochs.at(id)
	if !ok {
		return newErr(KindInvalidArgs, "unknown epoch")
	}
	if seq > maxSequenceNumber {
		return newErr(KindCounterOverflow, "sequence number out of range")
	}
	e.dgramOutCtr = seq
	return nil
}

// GetLastSequenceNumber reports epoch id's last_seen: the sequence
// number of the most recently validated inbound record, used e.g. to
// mirror it into a HelloVerifyRequest. DTLS only.
func (c *Context) GetLastSequenceNumber(id EpochID) (uint64, error) {
	if c.cfg.Mode != ModeDatagram {
		return 0, newErr(KindInvalidArgs, "get_last_sequence_number is DTLS only")
	}
	e, ok := c.epochs.at(id)
	if !ok {
		return 0, newErr(KindInvalidArgs, "unknown epoch")
	}
	return e.lastSeen, nil
}

// ---- incoming path ----

// ReadStart begins (or resumes) reading one record's worth of payload.
// On success it returns the record's content type, the epoch it was
// protected under, and a Reader positioned at the start of the
// available plaintext. The caller drives reader.Get/Commit and finally
// calls ReadDone.
func (c *Context) ReadStart() (ContentType, *Reader, EpochID, error) {
	if c.reader.attached {
		if c.cfg.StrictState {
			return ContentTypeNone, nil, EpochNone, newErr(KindUnexpectedOperation, "read_start called while a read is already active")
		}
		return c.inType, c.reader, c.inEpoch, nil
	}
	if c.inOpen && c.cfg.mergeable(c.inType) && c.inMergeRemaining() > 0 {
		if err := c.reader.feed(c.inPlain[len(c.inPlain)-c.inMergeRemaining():]); err != nil {
			return ContentTypeNone, nil, EpochNone, err
		}
		return c.inType, c.reader, c.inEpoch, nil
	}
	if err := c.fetchRecord(); err != nil {
		return ContentTypeNone, nil, EpochNone, err
	}
	if err := c.routeIncoming(); err != nil {
		return ContentTypeNone, nil, EpochNone, err
	}
	return c.inType, c.reader, c.inEpoch, nil
}

// inMergeRemaining reports how many bytes of the currently open
// record's plaintext have not yet been offered to a Reader.
func (c *Context) inMergeRemaining() int {
	return c.inUnread
}

// routeIncoming binds the record just installed by fetchRecord
// (fetchedType/fetchedEpoch/inPlain) to a reader slot, implementing the
// four-way decision of the record layer's routing contract (§4.2):
// resume a matching paused reader, continue the active slot's ongoing
// type, bind a free active slot, or -- when both the active and the
// new type are pausable -- swap the active reader into the paused slot
// and bind the freed one to the new type.
func (c *Context) routeIncoming() error {
	newType, newEpoch, plain := c.fetchedType, c.fetchedEpoch, c.inPlain

	switch {
	case c.inPaused && c.inPausedType == newType:
		if err := c.pausedReader.feed(plain); err != nil {
			return err
		}
		c.reader, c.pausedReader = c.pausedReader, c.reader
		c.inPaused = false

	case c.activeBound && c.inType == newType:
		if err := c.reader.feed(plain); err != nil {
			return err
		}

	case !c.activeBound:
		if err := c.reader.feed(plain); err != nil {
			return err
		}
		c.activeBound = true

	default:
		if !c.cfg.pausable(newType) || !c.cfg.pausable(c.inType) {
			return newErr(KindInvalidRecord, "a second concurrently active content type requires both types to be pausable")
		}
		pausedType, pausedEpoch := c.inType, c.inEpoch
		// the active slot is always UNSET by this point (attached is
		// checked at the top of ReadStart, and a mid-record merge
		// continuation returns before ever reaching fetchRecord), so
		// this reclaim is a formality rather than a real carry-over.
		if _, err := c.reader.reclaim(); err != nil {
			return err
		}
		c.pausedReader, c.reader = c.reader, c.pausedReader
		c.inPaused = true
		c.inPausedType = pausedType
		c.inPausedEpoch = pausedEpoch
		if err := c.reader.feed(plain); err != nil {
			return err
		}
	}

	c.inType = newType
	c.inEpoch = newEpoch
	return nil
}

// fetchRecord consumes the previous transport record (if any), then
// reads, validates and decrypts records until one is deliverable and
// installs it as the context's current incoming record.
//
// Four conditions are DTLS-only silent discards: unknown epoch, failed
// decrypt, replay/out-of-window, and a version mismatch. Each of these
// consumes the offending record and loops to try the next one, rather
// than surfacing an error -- a single malformed or replayed datagram
// must not disrupt the stream of genuine ones. Every other rejection
// (disallowed type, oversized record, disallowed empty record) is a
// hard error in both modes.
func (c *Context) fetchRecord() error {
	if c.inOpen {
		if err := c.transport.Consume(c.inTotalLen); err != nil {
			return err
		}
		c.inOpen = false
	}
	mode := c.cfg.Mode
	hlen := headerLen(mode)

	for {
		raw, err := c.transport.Read(hlen)
		if err != nil {
			return err
		}
		hdr, err := parseRecordHeader(mode, raw)
		if err != nil {
			return err
		}
		total := hlen + hdr.length

		if !c.cfg.allowed(hdr.contentType) {
			return newErr(KindInvalidRecord, "content type not configured")
		}
		if hdr.length > c.cfg.MaxCipherIn {
			return newErr(KindInvalidRecord, "record exceeds max_cipher_in")
		}
		if !versionMatches(c.cfg.Version, hdr.version) {
			if mode != ModeDatagram {
				return newErr(KindInvalidRecord, "version mismatch")
			}
			c.log.Debugf("l2: dropping record with unexpected version %v", hdr.version)
			if err := c.transport.Consume(total); err != nil {
				return err
			}
			continue
		}

		var epochID EpochID
		var e *epoch
		if mode == ModeDatagram {
			epochID, e, err = c.resolveDatagramEpoch(hdr.epoch)
			if err != nil {
				c.log.Debugf("l2: dropping record, unknown epoch %d", hdr.epoch)
				if err := c.transport.Consume(total); err != nil {
					return err
				}
				continue
			}
		} else {
			var ok bool
			e, epochID, ok = c.epochs.inEpoch()
			if !ok {
				return newErr(KindUnexpectedOperation, "no epoch configured for reading")
			}
		}

		if hdr.length == 0 && !c.cfg.emptyAllowed(hdr.contentType) {
			return newErr(KindInvalidRecord, "empty record not allowed for this type")
		}

		if len(raw) < total {
			raw, err = c.transport.Read(total)
			if err != nil {
				return err
			}
			if len(raw) < total {
				return newErr(KindInvalidRecord, "short record")
			}
		}

		seq := hdr.seq
		if mode == ModeStream {
			seq = e.inCtr
		}

		payload := raw[hlen:total]
		off, n, err := e.transform.Decrypt(seq, raw[:hlen], payload, len(payload))
		if err != nil {
			c.badMacCtr++
			if c.cfg.BadMACLimit > 0 && c.badMacCtr > c.cfg.BadMACLimit {
				return wrapErr(KindAuthFailed, "bad-MAC limit exceeded", err)
			}
			if mode != ModeDatagram {
				return wrapErr(KindAuthFailed, "record authentication failed", err)
			}
			c.log.Warnf("l2: dropping record with bad MAC, seq %d", seq)
			if err := c.transport.Consume(total); err != nil {
				return err
			}
			continue
		}
		c.badMacCtr = 0

		if mode == ModeDatagram {
			commit, ok := e.checkReplay(seq)
			if !ok {
				c.log.Debugf("l2: dropping replayed or out-of-window record, seq %d", seq)
				if err := c.transport.Consume(total); err != nil {
					return err
				}
				continue
			}
			commit()
			e.lastSeen = seq
		} else {
			e.inCtr++
		}

		c.fetchedType = hdr.contentType
		c.fetchedEpoch = epochID
		c.inPlain = payload[off : off+n]
		c.inUnread = len(c.inPlain)
		c.inTotalLen = total
		c.inOpen = true
		c.log.Tracef("l2: read record type=%s epoch=%d seq=%d len=%d", hdr.contentType, epochID, seq, n)
		return nil
	}
}

func (c *Context) resolveDatagramEpoch(wireEpoch uint16) (EpochID, *epoch, error) {
	for i := 0; i < c.epochs.next; i++ {
		id := c.epochs.id(i)
		if uint16(id&0xffff) == wireEpoch {
			return id, c.epochs.slot[i], nil
		}
	}
	return EpochNone, nil, newErr(KindInvalidRecord, "unknown epoch")
}

// ReadDone ends the current read_start/read_done cycle. The caller
// must have called Reader.Commit for everything it consumed. Leftover
// unconsumed bytes are handled according to the content type's
// pausable/mergeable configuration: a pausable type parks them in the
// paused reader slot, a mergeable type offers them again on the next
// ReadStart, and any other type fails with InvalidRecord.
func (c *Context) ReadDone() error {
	if !c.reader.attached {
		if c.cfg.StrictState {
			return newErr(KindUnexpectedOperation, "read_done without an active read_start")
		}
		return nil
	}
	remaining, err := c.reader.reclaim()
	if err != nil {
		return err
	}
	switch {
	case remaining == 0:
		c.inUnread = 0
	case c.cfg.pausable(c.inType):
		// the active slot, still holding its carried-over bytes, becomes
		// the paused slot; the other slot takes over as active, unbound
		// until the next fetch binds or resumes it.
		c.pausedReader, c.reader = c.reader, c.pausedReader
		c.inPaused = true
		c.inPausedType = c.inType
		c.inPausedEpoch = c.inEpoch
		c.activeBound = false
		c.inUnread = 0
	case c.cfg.mergeable(c.inType):
		c.reader.dropAccumulator()
		c.inUnread = remaining
	default:
		return newErr(KindInvalidRecord, "unconsumed data in non-pausable, non-mergeable record")
	}
	return nil
}

// ---- outgoing path ----

// WriteStart begins (or resumes) writing one record's payload of
// content type t under epoch id. The returned Writer's Get/Commit pair
// is used to fill the record; call WriteDone when finished.
//
// If a previous write_flush left the transport unable to accept
// everything (flush) or a drain attempt was itself interrupted
// (clearing), WriteStart must finish that drain first -- per the
// record layer's backpressure contract, a new write never queues more
// data behind one the transport hasn't accepted yet.
func (c *Context) WriteStart(t ContentType, id EpochID) (*Writer, error) {
	if !c.cfg.allowed(t) {
		return nil, newErr(KindInvalidArgs, "content type not configured")
	}
	e, ok := c.epochs.at(id)
	if !ok || e.usage&UsageWrite == 0 {
		return nil, newErr(KindInvalidArgs, "epoch not writable")
	}

	if c.flush || c.clearing {
		if err := c.drainPending(); err != nil {
			return nil, err
		}
	}

	if c.outMode == outAttached && c.outType == t && c.outEpoch == id {
		return c.writer, nil
	}
	if c.outMode != outIdle && (c.outType != t || c.outEpoch != id) {
		if err := c.dispatchOpen(); err != nil {
			return nil, err
		}
	}

	if c.outMode == outQueued && c.outType == t && c.outEpoch == id {
		if err := c.attachQueue(); err != nil {
			return nil, err
		}
		return c.writer, nil
	}

	c.outType = t
	c.outEpoch = id
	return c.attachNewRecord()
}

// attachNewRecord requests a fresh transport buffer, wraps it in a
// bufPair with dataOffset set past the header and the transform's
// prefix expansion, and attaches the writer to the remaining headroom.
// Any bytes already sitting in the carry queue are prepended
// automatically by Writer.feed.
func (c *Context) attachNewRecord() (*Writer, error) {
	mode := c.cfg.Mode
	e, _ := c.epochs.at(c.outEpoch)
	prefix, suffix := e.transform.Expansion()
	hlen := headerLen(mode)
	maxPlain := c.cfg.MaxPlainOut

	buf, err := c.transport.Write(hlen + prefix + maxPlain + suffix)
	if err != nil {
		return nil, err
	}
	c.outHdrLen = hlen
	c.outBuf = newBufPair(buf, hlen+prefix)
	region := c.outBuf.headroom()
	if room := c.outBuf.capacity() - suffix; room < maxPlain {
		maxPlain = room
	}
	if maxPlain < len(region) {
		region = region[:maxPlain]
	}
	if err := c.writer.feed(region); err != nil {
		return nil, err
	}
	c.outRegion = region
	c.outLiveTransport = true
	c.outMode = outAttached
	return c.writer, nil
}

// attachQueue reactivates the writer's carry queue as the attached
// region, letting a resumed pausable write keep extending previously
// queued bytes without reserving a transport buffer.
func (c *Context) attachQueue() error {
	region := c.writer.queueBuf()
	if err := c.writer.feed(region); err != nil {
		return err
	}
	c.outRegion = region
	c.outLiveTransport = false
	c.outMode = outAttached
	return nil
}

// WriteDone ends the current write_start/write_done cycle, deciding
// whether to dispatch the record now or keep it open/queued for a
// subsequent write of the same content type.
func (c *Context) WriteDone() error {
	if c.outMode != outAttached {
		if c.cfg.StrictState {
			return newErr(KindUnexpectedOperation, "write_done without an active write_start")
		}
		return nil
	}
	full := c.writer.full()
	switch {
	case c.cfg.mergeable(c.outType) && !full:
		return nil // leave attached, same record, more merge writes expected
	case c.cfg.pausable(c.outType) && !full:
		plen := c.writer.reclaim()
		if err := c.writer.enqueue(c.outRegion[:plen]); err != nil {
			return err
		}
		c.outMode = outQueued
		c.outLiveTransport = false
		return nil
	default:
		return c.dispatchOpen()
	}
}

// dispatchOpen finalizes whatever the writer currently holds (an
// attached region, live or queue-backed, or detached queued bytes)
// into a transport record and commits it.
func (c *Context) dispatchOpen() error {
	switch c.outMode {
	case outIdle:
		return nil
	case outQueued, outAttached:
		if !c.outLiveTransport {
			if c.outMode == outAttached {
				// queue-backed attach: stash back into the queue so
				// attachNewRecord's feed can prepend it uniformly.
				plen := c.writer.reclaim()
				if err := c.writer.enqueue(c.outRegion[:plen]); err != nil {
					return err
				}
			}
			if _, err := c.attachNewRecord(); err != nil {
				return err
			}
		}
	}

	plen := c.writer.reclaim()
	c.outBuf.dataLen = plen
	e, _ := c.epochs.at(c.outEpoch)
	if plen == 0 && !c.cfg.emptyAllowed(c.outType) {
		// silently discard: no record sent, sequence counter untouched,
		// as if write_start/write_done had never been called.
		c.outMode = outIdle
		return nil
	}
	if !c.outBuf.valid() {
		c.outMode = outIdle
		return newErr(KindInvalidRecord, "outgoing buffer pair invariant violated")
	}

	mode := c.cfg.Mode
	prefix, suffix := e.transform.Expansion()
	seq, err := c.nextOutSeq(e)
	if err != nil {
		c.outMode = outIdle
		return err
	}

	// the header is written before Encrypt so the transform authenticates
	// this record's header, as Decrypt does on the read side; its length
	// field assumes the full Expansion() and is rewritten below with the
	// actual ciphertext length.
	hdr := recordHeader{contentType: c.outType, version: c.cfg.Version, length: prefix + plen + suffix}
	if mode == ModeDatagram {
		hdr.epoch = uint16(c.outEpoch & 0xffff)
		hdr.seq = seq
	}
	major := uint8(3)
	hdr.marshal(mode, major, c.outBuf.buf)

	// body is the region starting right at the record body, i.e. where
	// the final ciphertext (prefix included) must end up; Encrypt
	// writes its result at body[0:newLength] per Transform's contract.
	body := c.outBuf.buf[c.outHdrLen:]
	newLen, err := e.transform.Encrypt(seq, c.outBuf.buf[:c.outHdrLen], body, prefix, plen)
	if err != nil {
		c.outMode = outIdle
		return wrapErr(KindTransformError, "encrypt failed", err)
	}
	// the transform absorbed the prefix room into the ciphertext itself
	// (e.g. an explicit nonce), so the final payload starts right after
	// the header, not at the pre-encrypt dataOffset.
	c.outBuf.dataOffset = c.outHdrLen
	c.outBuf.dataLen = newLen

	hdr.length = newLen
	hdr.marshal(mode, major, c.outBuf.buf)

	total := c.outBuf.dataOffset + c.outBuf.dataLen
	if err := c.transport.Commit(total); err != nil {
		c.outMode = outIdle
		return err
	}
	c.log.Tracef("l2: wrote record type=%s epoch=%d seq=%d len=%d", c.outType, c.outEpoch, seq, len(c.outBuf.payload()))
	c.outMode = outIdle
	return nil
}

func (c *Context) nextOutSeq(e *epoch) (uint64, error) {
	if c.cfg.Mode == ModeDatagram {
		if e.dgramOutCtr > maxSequenceNumber {
			return 0, newErr(KindCounterOverflow, "datagram sequence number exhausted")
		}
		seq := e.dgramOutCtr
		e.dgramOutCtr++
		return seq, nil
	}
	if e.outCtr > maxSequenceNumber {
		return 0, newErr(KindCounterOverflow, "sequence number exhausted")
	}
	seq := e.outCtr
	e.outCtr++
	return seq, nil
}

// drainPending implements the record layer's clear_pending routine: it
// dispatches whatever the write side currently holds (attached or
// queued) and then flushes the transport. If either step can't
// complete, clearing is (re)armed so the next WriteStart or
// WriteFlush retries from where this left off, and the failing step's
// error (WantWrite when the transport is not ready) is returned.
func (c *Context) drainPending() error {
	if err := c.dispatchOpen(); err != nil {
		c.clearing = true
		return err
	}
	if err := c.transport.Flush(); err != nil {
		c.clearing = true
		return err
	}
	c.flush = false
	c.clearing = false
	return nil
}

// WriteFlush forces any open or queued record out to the transport and
// then flushes the transport itself. If the transport can't accept
// everything yet, flush stays set so a later WriteStart or WriteFlush
// retries the drain before any new data is queued behind it.
func (c *Context) WriteFlush() error {
	c.flush = true
	return c.drainPending()
}

package l2

import "testing"

// alwaysFailTransform is a test double whose Decrypt always reports a
// MAC failure, used to exercise the bad-MAC tolerance path.
type alwaysFailTransform struct{}

func (alwaysFailTransform) Expansion() (int, int) { return 0, 0 }

func (alwaysFailTransform) Encrypt(_ uint64, _ []byte, buf []byte, offset, length int) (int, error) {
	if offset != 0 {
		copy(buf, buf[offset:offset+length])
	}
	return length, nil
}

func (alwaysFailTransform) Decrypt(_ uint64, _ []byte, _ []byte, _ int) (int, int, error) {
	return 0, 0, newErr(KindAuthFailed, "forced decrypt failure")
}

func (alwaysFailTransform) Close() {}

func newDatagramConfig(antiReplay AntiReplay, badMACLimit uint64) *Config {
	cfg := &Config{Mode: ModeDatagram, MaxPlainOut: 32, MaxPlainIn: 32, AntiReplay: antiReplay, BadMACLimit: badMACLimit}
	if err := cfg.AddType(ContentTypeApplicationData, false, false, true); err != nil {
		panic(err)
	}
	return cfg
}

func TestDatagramReplayDuplicateDropped(t *testing.T) {
	wt := newFakeTransport(ModeDatagram)
	wc, _ := NewContext(newDatagramConfig(AntiReplayDisabled, 0), wt)
	id, _ := wc.EpochAdd(identityTransform{})
	_ = wc.EpochUsage(id, UsageWrite)

	writeAll(t, wc, ContentTypeApplicationData, id, []byte("first"))
	if len(wt.outDatagrams) != 1 {
		t.Fatalf("expected one datagram dispatched, got %d", len(wt.outDatagrams))
	}

	rt := newFakeTransport(ModeDatagram)
	// feed the same datagram twice: the duplicate must be silently
	// dropped as a replay rather than delivered or erroring.
	rt.inDatagrams = [][]byte{wt.outDatagrams[0], wt.outDatagrams[0]}
	rc, _ := NewContext(newDatagramConfig(AntiReplayEnabled, 0), rt)
	rid, _ := rc.EpochAdd(identityTransform{})
	_ = rc.EpochUsage(rid, UsageRead)

	_, _, got := readAll(t, rc)
	if string(got) != "first" {
		t.Fatalf("payload = %q, want %q", got, "first")
	}

	_, _, _, err := rc.ReadStart()
	if err == nil {
		t.Fatalf("expected the duplicate datagram to be silently dropped, leaving nothing to read")
	}
	if kind, ok := KindOf(err); !ok || kind != KindWantRead {
		t.Fatalf("err kind = %v, want KindWantRead (replay must not surface as AuthFailed/InvalidRecord)", kind)
	}
}

func TestDatagramOutOfWindowDropped(t *testing.T) {
	wt := newFakeTransport(ModeDatagram)
	wc, _ := NewContext(newDatagramConfig(AntiReplayDisabled, 0), wt)
	id, _ := wc.EpochAdd(identityTransform{})
	_ = wc.EpochUsage(id, UsageWrite)

	// a record far ahead in the sequence space, then one far enough
	// behind it to fall outside the anti-replay window once the first
	// has been accepted.
	if err := wc.ForceNextSequenceNumber(id, 1000); err != nil {
		t.Fatalf("ForceNextSequenceNumber: %v", err)
	}
	writeAll(t, wc, ContentTypeApplicationData, id, []byte("ahead"))
	if err := wc.ForceNextSequenceNumber(id, 0); err != nil {
		t.Fatalf("ForceNextSequenceNumber (reset): %v", err)
	}
	writeAll(t, wc, ContentTypeApplicationData, id, []byte("stale"))

	if len(wt.outDatagrams) != 2 {
		t.Fatalf("expected two datagrams, got %d", len(wt.outDatagrams))
	}

	rt := newFakeTransport(ModeDatagram)
	rt.inDatagrams = [][]byte{wt.outDatagrams[0], wt.outDatagrams[1]}
	rc, _ := NewContext(newDatagramConfig(AntiReplayEnabled, 0), rt)
	rid, _ := rc.EpochAdd(identityTransform{})
	_ = rc.EpochUsage(rid, UsageRead)

	_, _, got := readAll(t, rc)
	if string(got) != "ahead" {
		t.Fatalf("payload = %q, want %q", got, "ahead")
	}

	// the stale record (seq 0, window now anchored near 1000) must be
	// silently dropped as out-of-window, leaving nothing to read.
	_, _, _, err := rc.ReadStart()
	if err == nil {
		t.Fatalf("expected the stale out-of-window record to be silently dropped")
	}
	if kind, ok := KindOf(err); !ok || kind != KindWantRead {
		t.Fatalf("err kind = %v, want KindWantRead", kind)
	}
}

func TestDatagramBadMACLimitExceeded(t *testing.T) {
	cfg := newDatagramConfig(AntiReplayDisabled, 3)
	rt := newFakeTransport(ModeDatagram)
	rc, err := NewContext(cfg, rt)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	id, err := rc.EpochAdd(alwaysFailTransform{})
	if err != nil {
		t.Fatalf("EpochAdd: %v", err)
	}
	if err := rc.EpochUsage(id, UsageRead); err != nil {
		t.Fatalf("EpochUsage: %v", err)
	}

	datagram := func(seq uint64) []byte {
		buf := make([]byte, headerLenDTLS+1)
		hdr := recordHeader{
			contentType: ContentTypeApplicationData,
			version:     cfg.Version,
			epoch:       uint16(id & 0xffff),
			seq:         seq,
			length:      1,
		}
		hdr.marshal(ModeDatagram, 3, buf)
		buf[headerLenDTLS] = 0x42
		return buf
	}

	// four records with a failing MAC: the first three are silently
	// tolerated (bad_mac_ctr climbing to 3, not yet over the limit), the
	// fourth pushes bad_mac_ctr to 4 > 3 and must fail regardless.
	for i := uint64(0); i < 4; i++ {
		rt.inDatagrams = append(rt.inDatagrams, datagram(i))
	}

	_, _, _, err = rc.ReadStart()
	if err == nil {
		t.Fatalf("expected AuthFailed once the bad-MAC limit is exceeded")
	}
	if kind, ok := KindOf(err); !ok || kind != KindAuthFailed {
		t.Fatalf("err kind = %v, want KindAuthFailed", kind)
	}
	if rc.badMacCtr != 4 {
		t.Fatalf("badMacCtr = %d, want 4", rc.badMacCtr)
	}
}

func TestStrictStateRejectsUnexpectedReadDone(t *testing.T) {
	cfg := newTestConfig(ModeStream)
	cfg.StrictState = true
	rt := newFakeTransport(ModeStream)
	rc, err := NewContext(cfg, rt)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	id, _ := rc.EpochAdd(identityTransform{})
	_ = rc.EpochUsage(id, UsageRead)

	err = rc.ReadDone()
	if err == nil {
		t.Fatalf("expected UnexpectedOperation for read_done without a preceding read_start")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnexpectedOperation {
		t.Fatalf("err kind = %v, want KindUnexpectedOperation", kind)
	}

	err = rc.WriteDone()
	if err == nil {
		t.Fatalf("expected UnexpectedOperation for write_done without a preceding write_start")
	}
	if kind, ok := KindOf(err); !ok || kind != KindUnexpectedOperation {
		t.Fatalf("err kind = %v, want KindUnexpectedOperation", kind)
	}
}

func TestNonStrictStateToleratesUnexpectedReadDone(t *testing.T) {
	cfg := newTestConfig(ModeStream) // StrictState defaults to false
	rt := newFakeTransport(ModeStream)
	rc, _ := NewContext(cfg, rt)
	id, _ := rc.EpochAdd(identityTransform{})
	_ = rc.EpochUsage(id, UsageRead)

	if err := rc.ReadDone(); err != nil {
		t.Fatalf("ReadDone without an active read_start should be a no-op, got: %v", err)
	}
	if err := rc.WriteDone(); err != nil {
		t.Fatalf("WriteDone without an active write_start should be a no-op, got: %v", err)
	}
}

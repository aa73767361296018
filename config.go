package l2

import (
	"crypto/rand"
	"io"

	"github.com/pion/logging"
)

// AntiReplay selects whether the datagram anti-replay window is
// enforced.
type AntiReplay uint8

const (
	AntiReplayDisabled AntiReplay = 0
	AntiReplayEnabled  AntiReplay = 1
)

// Config holds the parameters a Context is built with. It is a plain
// struct populated by field assignment and AddType, in the same style
// the teacher library configures a record layer through setters
// (SetVersion, SetLabel) rather than a functional-options loader.
type Config struct {
	Mode Mode

	// Version is the negotiated protocol version, or
	// VersionUnspecified until ConfigVersion pins one. A zero Version
	// is treated as unset and replaced by VersionUnspecified when a
	// Context is built.
	Version Version

	MaxPlainOut  int
	MaxPlainIn   int
	MaxCipherIn  int

	// AccumulatorSize bounds how many bytes of a paused message the
	// read side can carry across records; QueueSize bounds the same
	// for the write side. Zero (or negative) selects the default:
	// MaxPlainIn for the accumulator, MaxPlainOut for the queue.
	AccumulatorSize int
	QueueSize       int

	AntiReplay AntiReplay

	// Rand is the configured source of randomness. Layer 2 never reads
	// it and does not pass it to any Transform; the rand accessor
	// returns crypto/rand.Reader when it is nil.
	Rand io.Reader

	// BadMACLimit bounds how many DTLS records with a failed
	// authentication check are silently tolerated before AuthFailed is
	// raised regardless. Zero means unlimited tolerance.
	BadMACLimit uint64

	// StrictState enables UnexpectedOperation errors for API misuse
	// (e.g. read_done without a preceding read_start) instead of
	// leaving behavior undefined.
	StrictState bool

	// LoggerFactory produces the scoped logger used at every record
	// boundary. Defaults to logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	typeFlag  uint32
	pauseFlag uint32
	mergeFlag uint32
	emptyFlag uint32
}

// AddType registers a content type the context should accept, and
// whether it may be split across records (pausable), packed multiple
// messages to a record (mergeable), or sent/received empty. It must be
// called at most once per type; a second call for the same type is an
// InvalidArgs error, mirroring mps_l2_config_add_type's validation
// order (range check first, then duplicate-registration check).
func (c *Config) AddType(t ContentType, pausable, mergeable, emptyOK bool) error {
	if uint8(t) >= maxContentType {
		return newErr(KindInvalidRecord, "content type out of range")
	}
	mask := t.bit()
	if c.typeFlag&mask != 0 {
		return newErr(KindInvalidArgs, "content type already configured")
	}
	c.typeFlag |= mask
	if pausable {
		c.pauseFlag |= mask
	}
	if mergeable {
		c.mergeFlag |= mask
	}
	if emptyOK {
		c.emptyFlag |= mask
	}
	return nil
}

func (c *Config) allowed(t ContentType) bool    { return c.typeFlag&t.bit() != 0 }
func (c *Config) pausable(t ContentType) bool   { return c.pauseFlag&t.bit() != 0 }
func (c *Config) mergeable(t ContentType) bool  { return c.mergeFlag&t.bit() != 0 }
func (c *Config) emptyAllowed(t ContentType) bool { return c.emptyFlag&t.bit() != 0 }

// ConfigVersion pins the exact protocol version this context accepts;
// until called, VersionUnspecified acts as a wildcard matching any
// record version.
func (c *Config) ConfigVersion(v Version) {
	c.Version = v
}

func (c *Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) logger() logging.LeveledLogger {
	factory := c.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return factory.NewLogger("l2")
}

func (c *Config) validate() error {
	if c.pauseFlag&c.typeFlag != c.pauseFlag ||
		c.mergeFlag&c.typeFlag != c.mergeFlag ||
		c.emptyFlag&c.typeFlag != c.emptyFlag {
		return newErr(KindInvalidArgs, "pause/merge/empty flags must be subsets of type_flag")
	}
	if c.Version == 0 {
		c.Version = VersionUnspecified
	}
	if c.MaxPlainOut <= 0 {
		c.MaxPlainOut = maxPlaintext
	}
	if c.MaxPlainIn <= 0 {
		c.MaxPlainIn = maxPlaintext
	}
	if c.MaxCipherIn <= 0 {
		c.MaxCipherIn = maxPlaintext + 2048
	}
	if c.AccumulatorSize <= 0 {
		c.AccumulatorSize = c.MaxPlainIn
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxPlainOut
	}
	return nil
}

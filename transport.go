package l2

// Transport is the Layer 1 collaborator: a byte-oriented (stream mode)
// or datagram-oriented (datagram mode) buffer provider. Layer 2 treats
// it as an external dependency with a fixed, small contract; actual
// I/O, buffering policy and allocation live on the other side of this
// interface.
//
// Stream mode: Read(n) returns a slice of at least n bytes or
// ErrWantRead; Write(n) returns a mutable slice of at least n bytes or
// ErrWantWrite.
//
// Datagram mode: Read's argument is ignored and it returns exactly one
// whole datagram; Write's argument is an upper bound on the record
// size to be produced. Records never cross datagram boundaries.
type Transport interface {
	// Read returns bytes available for consumption. In stream mode it
	// blocks logically on having at least n bytes ready and returns
	// ErrWantRead otherwise; the returned slice may be longer than n.
	// In datagram mode it returns the next full datagram (n ignored)
	// or ErrWantRead if none is queued.
	Read(n int) ([]byte, error)

	// Consume advances past the first n bytes (stream mode) or
	// discards the current datagram in full (datagram mode, n is the
	// datagram's length and is otherwise ignored) most recently
	// returned by Read.
	Consume(n int) error

	// Write returns a mutable buffer to fill with an outgoing record.
	// In stream mode the buffer is at least n bytes; in datagram mode
	// n is an upper bound on the record size. Returns ErrWantWrite if
	// the transport cannot currently provide a buffer.
	Write(n int) ([]byte, error)

	// Commit finalizes the first n bytes of the buffer returned by the
	// most recent Write call, making them eligible to be sent.
	Commit(n int) error

	// Flush pushes all committed bytes to the wire. Returns
	// ErrWantWrite if the transport could not send everything yet;
	// the caller must call Flush again later.
	Flush() error
}

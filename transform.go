package l2

// Transform is the per-epoch cryptographic transform boundary. Layer 2
// owns the transform instance bound to an epoch (epoch_add takes
// ownership) and calls Encrypt/Decrypt on it for every record of that
// epoch; it never inspects keys or picks algorithms itself.
//
// A nil Transform represents the identity transform (no protection),
// used for epoch 0 before any keys have been established.
type Transform interface {
	// Expansion reports the maximum number of bytes this transform
	// adds before (prefix, e.g. an explicit nonce) and after (suffix,
	// e.g. a MAC or AEAD tag) the plaintext.
	Expansion() (prefix, suffix int)

	// Encrypt protects the plaintext currently held in buf at
	// [offset, offset+length) in place. buf must have at least
	// prefix bytes of room before offset and suffix bytes of room
	// after offset+length; both are guaranteed by the caller based on
	// Expansion(). header is additional data authenticated but not
	// encrypted (the record header). Encrypt returns the new length
	// of the ciphertext, which occupies buf[0:newLength] on return.
	Encrypt(seq uint64, header, buf []byte, offset, length int) (newLength int, err error)

	// Decrypt reverses Encrypt: buf holds ciphertext at [0, length),
	// header is the associated data that was authenticated, and the
	// returned (offset, length) delimit the recovered plaintext
	// within buf.
	Decrypt(seq uint64, header, buf []byte, length int) (offset, newLength int, err error)

	// Close releases any resources held by the transform. Called
	// exactly once, when the owning epoch is retired or the context
	// is freed.
	Close()
}

// identityTransform is used for epoch 0 before any keys are set up; it
// neither expands nor authenticates.
type identityTransform struct{}

func (identityTransform) Expansion() (int, int) { return 0, 0 }

func (identityTransform) Encrypt(_ uint64, _ []byte, buf []byte, offset, length int) (int, error) {
	if offset != 0 {
		copy(buf, buf[offset:offset+length])
	}
	return length, nil
}

func (identityTransform) Decrypt(_ uint64, _ []byte, _ []byte, length int) (int, int, error) {
	return 0, length, nil
}

func (identityTransform) Close() {}

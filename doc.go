// Package l2 implements the record layer ("Layer 2") of a modular
// message-processing stack for TLS and DTLS.
//
// It sits between a byte/datagram transport (Layer 1, see Transport)
// and message processors working with typed plaintext (handshake,
// alert, application data). On the way out it turns a stream of typed
// writes into authenticated, encrypted records handed to the
// transport; on the way in it parses, authenticates, decrypts and
// demultiplexes incoming records into typed reads.
//
// The package knows nothing about cipher suite selection, key
// derivation or handshake logic; those live above it. The Transform
// interface is the only cryptographic boundary it depends on.
package l2

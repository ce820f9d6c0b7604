// Package meta defines the persistent header written at the tail of a
// crash-recoverable memory region so a restart can tell a clean
// shutdown from a crash and recover the frame count it was managing.
package meta

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a valid header; any other value means the region
// was never initialized by this allocator.
const Magic uint64 = 0x1144_ffee_cafe_f00d

// Size is the encoded header length in bytes.
const Size = 24

// ErrCorruption is returned when a header's magic does not match,
// meaning the backing bytes are uninitialized or foreign.
var ErrCorruption = errors.New("meta: invalid header")

// Header is the fixed-layout record written to the tail of a
// persistent region: magic, total managed frame count, and a crashed
// flag set on open and cleared only by a graceful Close.
type Header struct {
	Frames  uint64
	Crashed bool
}

// Encode writes h into buf, which must be at least Size bytes.
func Encode(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.Frames)
	crashed := uint64(0)
	if h.Crashed {
		crashed = 1
	}
	binary.LittleEndian.PutUint64(buf[16:24], crashed)
}

// Decode reads a Header from buf, which must be at least Size bytes.
// It returns ErrCorruption if the magic does not match.
func Decode(buf []byte) (Header, error) {
	if binary.LittleEndian.Uint64(buf[0:8]) != Magic {
		return Header{}, ErrCorruption
	}
	return Header{
		Frames:  binary.LittleEndian.Uint64(buf[8:16]),
		Crashed: binary.LittleEndian.Uint64(buf[16:24]) != 0,
	}, nil
}

// IsInitialized reports whether buf already carries a valid header,
// without decoding its fields.
func IsInitialized(buf []byte) bool {
	return len(buf) >= Size && binary.LittleEndian.Uint64(buf[0:8]) == Magic
}

// Package padding implements the 160-byte block padding scheme used on
// plaintext before ratchet encryption (spec §4.1).
package padding

import "signalengine/internal/errs"

const blockSize = 160

// Pad returns plaintext padded to 160*ceil((len(plaintext)+2)/160)-1 bytes,
// one short of a multiple of 160. Layout: the plaintext, then a
// single 0x80 terminator byte, then zero bytes out to the next
// multiple-of-160-minus-one boundary.
func Pad(plaintext []byte) []byte {
	numBlocks := (len(plaintext) + 2 + blockSize - 1) / blockSize
	padded := make([]byte, blockSize*numBlocks-1)
	copy(padded, plaintext)
	padded[len(plaintext)] = 0x80
	return padded
}

// Unpad reverses Pad. It scans from the end for the 0x80 terminator; any
// nonzero byte encountered before it is an error.
func Unpad(padded []byte) ([]byte, error) {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x00:
			continue
		case 0x80:
			return padded[:i], nil
		default:
			return nil, errs.InvalidPadding{}
		}
	}
	return nil, errs.InvalidPadding{}
}

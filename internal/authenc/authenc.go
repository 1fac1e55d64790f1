// Package authenc implements the symmetric seal/open primitive used on both
// tunnel channels: a reduced-round ChaCha keystream for confidentiality and
// a SipHash-2-4 tag over the ciphertext for authenticity.
//
// Keys are 48 bytes: a 32-byte cipher key followed by a 16-byte MAC key. The
// 64-bit message counter doubles as the cipher IV and as a finalization
// input to the MAC, so a tag only verifies for the exact counter it was
// produced under.
package authenc

import (
	"encoding/binary"

	"github.com/dchest/siphash"
	"nullprogram.com/x/chacha"
)

const (
	// KeySize is the combined cipher+MAC key length.
	KeySize = 48

	// CipherKeySize is the leading portion of the key used by ChaCha.
	CipherKeySize = 32

	// TagSize is the length of the serialized MAC tag.
	TagSize = 8

	// Data is enciphered with 14 rounds. The margin is comfortable and the
	// round count must match on both ends of the tunnel.
	dataRounds = 14
)

// Seal encrypts src into dst under key and iv and returns the MAC tag
// computed over the resulting ciphertext. dst and src must be of equal
// length and may alias.
func Seal(key []byte, iv uint64, dst, src []byte) uint64 {
	_ = key[KeySize-1]

	keystream(key[:CipherKeySize], iv, dst, src)
	return mac(key[CipherKeySize:KeySize], iv, dst)
}

// Open verifies tag against the ciphertext in buf and, only on success,
// decrypts buf in place. On failure buf is left untouched.
func Open(key []byte, iv uint64, buf []byte, tag uint64) bool {
	_ = key[KeySize-1]

	expected := mac(key[CipherKeySize:KeySize], iv, buf)

	// Constant-time comparison: fold the XOR difference down to one word
	// and branch on that single witness, never on individual bytes.
	delta := expected ^ tag
	if z := uint32(delta>>32) | uint32(delta); z != 0 {
		return false
	}

	keystream(key[:CipherKeySize], iv, buf, buf)
	return true
}

// Tag computes the MAC over data without touching the cipher. Used where the
// ciphertext is already in place.
func Tag(key []byte, iv uint64, data []byte) uint64 {
	_ = key[KeySize-1]
	return mac(key[CipherKeySize:KeySize], iv, data)
}

func keystream(key []byte, iv uint64, dst, src []byte) {
	if len(src) == 0 {
		return
	}
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], iv)
	chacha.New(key, nonce[:], dataRounds).XORKeyStream(dst, src)
}

func mac(key []byte, iv uint64, data []byte) uint64 {
	var ivb [8]byte
	binary.LittleEndian.PutUint64(ivb[:], iv)

	h := siphash.New(key)
	h.Write(data)
	h.Write(ivb[:])
	return h.Sum64()
}

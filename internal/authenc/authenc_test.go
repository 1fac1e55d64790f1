package authenc

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func randomKey() []byte {
	key := make([]byte, KeySize)
	rand.Read(key)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	a := assert.New(t)
	key := randomKey()

	for _, size := range []int{0, 1, 63, 64, 65, 1000} {
		msg := make([]byte, size)
		rand.Read(msg)

		sealed := make([]byte, size)
		tag := Seal(key, 7, sealed, msg)
		if size > 0 {
			a.NotEqual(msg, sealed, "size %d not enciphered", size)
		}

		buf := bytes.Clone(sealed)
		a.True(Open(key, 7, buf, tag))
		a.Equal(msg, buf)
	}
}

func TestOpenRejectsTamper(t *testing.T) {
	a := assert.New(t)
	key := randomKey()

	msg := []byte("a reasonably long test message")
	sealed := make([]byte, len(msg))
	tag := Seal(key, 1, sealed, msg)

	// Wrong tag.
	buf := bytes.Clone(sealed)
	a.False(Open(key, 1, buf, tag^1))
	a.Equal(sealed, buf, "rejected open must not modify the buffer")

	// Wrong IV.
	buf = bytes.Clone(sealed)
	a.False(Open(key, 2, buf, tag))
	a.Equal(sealed, buf)

	// Wrong key.
	buf = bytes.Clone(sealed)
	a.False(Open(randomKey(), 1, buf, tag))
	a.Equal(sealed, buf)

	// Flipped ciphertext bit.
	buf = bytes.Clone(sealed)
	buf[4] ^= 0x10
	a.False(Open(key, 1, buf, tag))
}

func TestZeroLengthStillAuthenticates(t *testing.T) {
	a := assert.New(t)
	key := randomKey()

	tag := Seal(key, 99, nil, nil)
	a.True(Open(key, 99, nil, tag))
	a.False(Open(key, 100, nil, tag), "tag must bind the IV even with no data")
	a.False(Open(randomKey(), 99, nil, tag))
}

func TestTagsDifferAcrossIVs(t *testing.T) {
	a := assert.New(t)
	key := randomKey()
	msg := []byte("same plaintext")

	seen := make(map[uint64]bool)
	for iv := uint64(0); iv < 32; iv++ {
		sealed := make([]byte, len(msg))
		tag := Seal(key, iv, sealed, msg)
		a.False(seen[tag], "tag repeated at iv %d", iv)
		seen[tag] = true
	}
}

func TestKeystreamDependsOnIV(t *testing.T) {
	a := assert.New(t)
	key := randomKey()
	msg := []byte("identical input")

	one := make([]byte, len(msg))
	two := make([]byte, len(msg))
	Seal(key, 1, one, msg)
	Seal(key, 2, two, msg)
	a.NotEqual(one, two)
}

func TestTagMatchesSeal(t *testing.T) {
	a := assert.New(t)
	key := randomKey()
	msg := []byte("cross-check")

	sealed := make([]byte, len(msg))
	tag := Seal(key, 5, sealed, msg)
	a.Equal(tag, Tag(key, 5, sealed))
}

func TestSealInPlace(t *testing.T) {
	a := assert.New(t)
	key := randomKey()

	msg := []byte("aliased buffers")
	buf := bytes.Clone(msg)
	tag := Seal(key, 3, buf, buf)

	a.True(Open(key, 3, buf, tag))
	a.Equal(msg, buf)
}

// Package keyset implements the tunnel key schedule: deriving per-session
// keying material from a shared secret, splitting it per direction and per
// channel, and stepping keys forward.
//
// Every key is 48 bytes, a 32-byte cipher key followed by a 16-byte MAC key.
// Ratcheting replaces a key K with BLAKE2b(K) and erases K, so compromising
// an endpoint reveals nothing about traffic protected by earlier keys.
package keyset

import (
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/bitshark/calico/internal/mem"
)

const (
	// KeySize is the combined cipher+MAC key length of a single direction.
	KeySize = 48

	// SecretSize is the required shared secret length.
	SecretSize = 32

	derivedSize = 64
)

// Pair holds the keys of one logical channel (stream or datagram).
//
// Out is the outbound key. In holds two inbound keys: the active one and its
// BLAKE2b successor, so a peer ratchet can be followed without a round trip.
// ActiveIn selects the active inbound slot; ActiveOut is the ratchet bit the
// peer currently expects on our outbound messages.
type Pair struct {
	Out [KeySize]byte
	In  [2][KeySize]byte

	ActiveIn  uint32
	ActiveOut uint32

	// InRatchetAt is when a peer key switch was first observed; zero while
	// no inbound ratchet is pending.
	InRatchetAt time.Time

	// OutRatchetAt is when Out last ratcheted.
	OutRatchetAt time.Time
}

// Set is the complete keying state of one endpoint. Dgram is nil for
// stream-only endpoints.
type Set struct {
	Stream Pair
	Dgram  *Pair

	// Confirm is equal on both roles of a session. Surfacing it lets users
	// verify out of band that both ends derived the same keys.
	Confirm [32]byte
}

// Derive builds a Set from a 32-byte secret and a session name.
//
// The session name acts as the BLAKE2b key and the secret as the message,
// binding the derived keys to a session namespace: the same secret used with
// two different names yields unrelated tunnels. Names longer than the
// 64-byte BLAKE2b key limit are reduced with an unkeyed BLAKE2b-512 first.
//
// The first 32 bytes of the 64-byte digest key a ChaCha20 keystream run,
// with an all-zero nonce, which is cut into
// 48-byte keys: two per direction in datagram mode (stream and datagram
// channels), one per direction in stream-only mode. The initiator takes the
// left half as its outbound keys and the right half as inbound; the
// responder swaps.
func Derive(secret, sessionName []byte, initiator, datagram bool) (*Set, error) {
	if len(secret) != SecretSize || len(sessionName) == 0 {
		return nil, fmt.Errorf("keyset: secret must be %d bytes and session name non-empty", SecretSize)
	}

	name := sessionName
	if len(name) > blake2b.Size {
		sum := blake2b.Sum512(name)
		name = sum[:]
	}

	h, err := blake2b.New(derivedSize, name)
	if err != nil {
		return nil, fmt.Errorf("keyset: derive: %w", err)
	}
	h.Write(secret)
	derived := h.Sum(nil)
	defer mem.Wipe(derived)

	half := KeySize
	if datagram {
		half = 2 * KeySize
	}
	material := make([]byte, 2*half)
	defer mem.Wipe(material)
	if err := expand(derived[:chacha20.KeySize], material); err != nil {
		return nil, err
	}

	lkey, rkey := material[:half], material[half:]
	if !initiator {
		lkey, rkey = rkey, lkey
	}

	s := &Set{}
	copy(s.Stream.Out[:], lkey[:KeySize])
	copy(s.Stream.In[0][:], rkey[:KeySize])
	s.Stream.prime()
	if datagram {
		s.Dgram = &Pair{}
		copy(s.Dgram.Out[:], lkey[KeySize:])
		copy(s.Dgram.In[0][:], rkey[KeySize:])
		s.Dgram.prime()
	}

	s.Confirm = blake2b.Sum256(derived)

	return s, nil
}

// expand fills buf with ChaCha20 keystream seeded by key and an all-zero IV.
func expand(key, buf []byte) error {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		return fmt.Errorf("keyset: expand: %w", err)
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// prime fills the successor inbound slot so the first peer ratchet can be
// followed immediately.
func (p *Pair) prime() {
	ratchetKey(p.In[0][:], p.In[1][:])
}

// RatchetOut steps the outbound key forward, flips the ratchet bit carried
// on outgoing messages, and stamps the ratchet time.
func (p *Pair) RatchetOut(now time.Time) {
	ratchetKey(p.Out[:], p.Out[:])
	p.ActiveOut ^= 1
	p.OutRatchetAt = now
}

// ObserveRemoteSwitch records the first sighting of a flipped inbound
// ratchet bit. Returns true if this sighting started the timer.
func (p *Pair) ObserveRemoteSwitch(now time.Time) bool {
	if !p.InRatchetAt.IsZero() {
		return false
	}
	p.InRatchetAt = now
	return true
}

// FinalizeIn completes a pending inbound ratchet: the slot holding the
// oldest key is overwritten with the hash of the newer one, which both
// erases the oldest key and prepares the next step. The caller is
// responsible for having checked the timeout.
func (p *Pair) FinalizeIn() {
	active := p.ActiveIn & 1
	inactive := active ^ 1

	// Before: In[active] is the oldest live key, In[inactive] its hash.
	// After: In[inactive] is the oldest, In[active] two steps along.
	ratchetKey(p.In[inactive][:], p.In[active][:])
	p.ActiveIn = inactive
	p.InRatchetAt = time.Time{}
}

// Wipe erases all key material in the pair.
func (p *Pair) Wipe() {
	mem.Wipe(p.Out[:])
	mem.Wipe(p.In[0][:])
	mem.Wipe(p.In[1][:])
}

// Wipe erases all key material in the set.
func (s *Set) Wipe() {
	s.Stream.Wipe()
	if s.Dgram != nil {
		s.Dgram.Wipe()
	}
	mem.Wipe(s.Confirm[:])
}

// ratchetKey writes BLAKE2b(cur) over next. cur and next may alias.
func ratchetKey(cur, next []byte) {
	h, err := blake2b.New(KeySize, nil)
	if err != nil {
		// Digest construction with a valid size and no key cannot fail.
		panic("keyset: ratchet: " + err.Error())
	}
	h.Write(cur)
	sum := h.Sum(nil)
	copy(next, sum)
	mem.Wipe(sum)
}

package calico

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/bitshark/calico/internal/authenc"
	"github.com/bitshark/calico/pkg/keyset"
	"github.com/bitshark/calico/pkg/replay"
)

// The truncated IV field is 24 bits: 23 counter bits and the ratchet bit.
// It is obfuscated on the wire by subtracting the low tag word and XORing a
// fixed fuzz constant, so captures do not leak a visible counter.
const (
	adBits = 24
	adMask = 1<<adBits - 1
	adFuzz = 0x00C86AD7
)

// Endpoint is one side of a tunnel. It is a single-owner object: no method
// may be called concurrently with another on the same Endpoint. Two
// endpoints are fully independent.
type Endpoint struct {
	role  Role
	keys  *keyset.Set
	keyed bool

	streamOutIV uint64
	streamInIV  uint64

	dgramOutIV uint64
	window     *replay.Window

	streamOnly bool
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint) error

// WithClock replaces the time source used for ratchet decisions. Intended
// for tests and for hosts with their own monotonic clock plumbing.
func WithClock(now func() time.Time) Option {
	return func(e *Endpoint) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrBadInput)
		}
		e.now = now
		return nil
	}
}

// WithLogger sets the logger for ratchet and lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrBadInput)
		}
		e.logger = l
		return nil
	}
}

// StreamOnly creates the endpoint without datagram state. Datagram calls on
// such an endpoint fail with ErrBadState.
func StreamOnly() Option {
	return func(e *Endpoint) error {
		e.streamOnly = true
		return nil
	}
}

// NewEndpoint derives session keys from the shared secret and session name
// and returns a keyed endpoint.
//
// The two ends of a tunnel must use opposite roles and the same session
// name. A secret may back several tunnels only if every tunnel has a
// distinct session name.
func NewEndpoint(role Role, secret []byte, sessionName string, opts ...Option) (*Endpoint, error) {
	if !role.valid() || len(secret) != SecretSize || sessionName == "" {
		return nil, ErrBadInput
	}

	e := &Endpoint{
		role:   role,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}

	keys, err := keyset.Derive(secret, []byte(sessionName), role == Initiator, !e.streamOnly)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	now := e.now()
	keys.Stream.OutRatchetAt = now
	if keys.Dgram != nil {
		keys.Dgram.OutRatchetAt = now
		e.window = &replay.Window{}
	}

	e.keys = keys
	e.keyed = true

	return e, nil
}

// Role returns the endpoint's role.
func (e *Endpoint) Role() Role { return e.role }

// SessionDigest returns a 32-byte value equal on both ends of a correctly
// keyed tunnel. Comparing it out of band (see pkg/fingerprint) confirms
// both sides derived the same keys.
func (e *Endpoint) SessionDigest() ([]byte, error) {
	if !e.keyed {
		return nil, ErrBadState
	}
	digest := make([]byte, len(e.keys.Confirm))
	copy(digest, e.keys.Confirm[:])
	return digest, nil
}

// Destroy erases all key material. The endpoint rejects every operation
// afterwards with ErrBadState. Safe to call more than once.
func (e *Endpoint) Destroy() {
	if e.keys != nil {
		e.keys.Wipe()
		e.keys = nil
	}
	e.keyed = false
	e.window = nil
}

// EncryptDatagram seals plaintext for the datagram channel, returning the
// ciphertext with DatagramOverhead bytes appended. Zero-length plaintexts
// are valid; the overhead still authenticates the message counter.
func (e *Endpoint) EncryptDatagram(plaintext []byte) ([]byte, error) {
	if !e.keyed || e.keys.Dgram == nil {
		return nil, ErrBadState
	}
	kp := e.keys.Dgram

	iv := e.dgramOutIV
	if iv == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}

	e.maybeRatchetOut(kp, "datagram")
	e.dgramOutIV = iv + 1

	out := make([]byte, len(plaintext)+DatagramOverhead)
	tag := authenc.Seal(kp.Out[:], iv, out[:len(plaintext)], plaintext)

	trunc := uint32(iv)<<1 | kp.ActiveOut&1
	trunc -= uint32(tag)
	trunc ^= adFuzz

	oh := out[len(plaintext):]
	oh[0] = byte(trunc)
	oh[1] = byte(trunc >> 16)
	oh[2] = byte(trunc >> 8)
	binary.LittleEndian.PutUint64(oh[3:], tag)

	return out, nil
}

// DecryptDatagram authenticates and decrypts a datagram produced by the
// peer's EncryptDatagram. The buffer is decrypted in place; the returned
// plaintext aliases it. On any error the ciphertext bytes are untouched.
func (e *Endpoint) DecryptDatagram(buf []byte) ([]byte, error) {
	if !e.keyed || e.keys.Dgram == nil {
		return nil, ErrBadState
	}
	if len(buf) < DatagramOverhead {
		return nil, ErrTooSmall
	}
	kp := e.keys.Dgram
	now := e.now()

	// A pending inbound ratchet is finalized before key selection so the
	// switch can take effect for this very message.
	e.finalizePending(kp, now, "datagram")

	n := len(buf) - DatagramOverhead
	ct, oh := buf[:n], buf[n:]

	tag := binary.LittleEndian.Uint64(oh[3:])

	trunc := uint32(oh[0]) | uint32(oh[1])<<16 | uint32(oh[2])<<8
	trunc ^= adFuzz
	trunc += uint32(tag)
	trunc &= adMask

	ratchetBit := trunc & 1
	trunc >>= 1

	e.observeRatchetBit(kp, ratchetBit, now, "datagram")

	iv := replay.Reconstruct(e.window.LastAccepted(), trunc)
	if !e.window.Check(iv) {
		return nil, ErrIVDrop
	}
	if !authenc.Open(kp.In[ratchetBit&1][:], iv, ct, tag) {
		return nil, ErrMACDrop
	}
	e.window.Accept(iv)

	return ct, nil
}

// EncryptStream seals plaintext for the stream channel, returning the
// ciphertext with StreamOverhead bytes appended. Messages must be delivered
// to the peer reliably and in order.
func (e *Endpoint) EncryptStream(plaintext []byte) ([]byte, error) {
	if !e.keyed {
		return nil, ErrBadState
	}
	kp := &e.keys.Stream

	iv := e.streamOutIV
	if iv == math.MaxUint64 {
		return nil, ErrCounterExhausted
	}

	e.maybeRatchetOut(kp, "stream")
	e.streamOutIV = iv + 1

	out := make([]byte, len(plaintext)+StreamOverhead)
	tag := authenc.Seal(kp.Out[:], iv, out[:len(plaintext)], plaintext)

	oh := out[len(plaintext):]
	oh[0] = byte(kp.ActiveOut & 1)
	binary.LittleEndian.PutUint64(oh[1:], tag)

	return out, nil
}

// DecryptStream authenticates and decrypts the next stream message. The
// expected counter is tracked locally and only advances on success, so a
// failed message may be retried after the transport recovers.
//
// There is no replay window on this channel: it relies on the transport
// delivering messages reliably and in order. Running it over an unreliable
// transport degrades forgery rejection and is unsupported.
func (e *Endpoint) DecryptStream(buf []byte) ([]byte, error) {
	if !e.keyed {
		return nil, ErrBadState
	}
	if len(buf) < StreamOverhead {
		return nil, ErrTooSmall
	}
	kp := &e.keys.Stream
	now := e.now()

	e.finalizePending(kp, now, "stream")

	n := len(buf) - StreamOverhead
	ct, oh := buf[:n], buf[n:]

	ratchetBit := uint32(oh[0]) & 1
	tag := binary.LittleEndian.Uint64(oh[1:])

	e.observeRatchetBit(kp, ratchetBit, now, "stream")

	iv := e.streamInIV
	if !authenc.Open(kp.In[ratchetBit][:], iv, ct, tag) {
		return nil, ErrMACDrop
	}
	e.streamInIV = iv + 1

	return ct, nil
}

// maybeRatchetOut performs the initiator's periodic outbound ratchet. It
// only fires once the peer has caught up with the previous switch
// (ActiveOut == ActiveIn) and the ratchet period has elapsed. The responder
// never self-initiates; see observeRatchetBit.
func (e *Endpoint) maybeRatchetOut(kp *keyset.Pair, channel string) {
	if e.role != Initiator {
		return
	}
	now := e.now()
	if kp.ActiveOut == kp.ActiveIn && now.Sub(kp.OutRatchetAt) > RatchetPeriod {
		kp.RatchetOut(now)
		e.logger.Debug("outbound key ratcheted",
			slog.String("channel", channel), slog.String("role", e.role.String()))
	}
}

// observeRatchetBit reacts to the ratchet bit on an incoming message. A bit
// that differs from the active inbound key starts the erase timer for the
// old key; on the responder a fresh switch also triggers the answering
// outbound ratchet, which is what breaks the symmetric-deadlock problem of
// both sides ratcheting on independent timers.
func (e *Endpoint) observeRatchetBit(kp *keyset.Pair, bit uint32, now time.Time, channel string) {
	if bit == kp.ActiveIn&1 {
		return
	}
	if !kp.ObserveRemoteSwitch(now) {
		return
	}
	e.logger.Debug("peer key switch observed",
		slog.String("channel", channel), slog.String("role", e.role.String()))

	if e.role != Responder {
		return
	}
	if kp.ActiveOut == kp.ActiveIn && now.Sub(kp.OutRatchetAt) > RatchetPeriod {
		kp.RatchetOut(now)
		e.logger.Debug("outbound key ratcheted",
			slog.String("channel", channel), slog.String("role", e.role.String()))
	}
}

// finalizePending completes an inbound ratchet whose timeout has elapsed,
// erasing the peer's previous key.
func (e *Endpoint) finalizePending(kp *keyset.Pair, now time.Time, channel string) {
	if kp.InRatchetAt.IsZero() {
		return
	}
	if now.Sub(kp.InRatchetAt) > RatchetRemoteTimeout {
		kp.FinalizeIn()
		e.logger.Debug("inbound key ratchet finalized",
			slog.String("channel", channel), slog.String("role", e.role.String()))
	}
}

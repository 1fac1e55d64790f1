package calico

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bitshark/calico/internal/mem"
	"github.com/bitshark/calico/pkg/keyset"
	"github.com/bitshark/calico/pkg/replay"
)

var ErrInvalidState = errors.New("invalid endpoint state")

// State is a serializable snapshot of an Endpoint, allowing an established
// tunnel to survive a process restart without re-keying.
//
// A State contains live key material. Persist it only through an encrypting
// store (see pkg/store) and wipe it after use.
type State struct {
	Role       Role          `json:"role"`
	StreamOnly bool          `json:"stream_only,omitempty"`
	Stream     PairState     `json:"stream"`
	Dgram      *PairState    `json:"dgram,omitempty"`
	StreamIVs  [2]uint64     `json:"stream_ivs"` // out, in
	DgramOutIV uint64        `json:"dgram_out_iv,omitempty"`
	Window     *replay.State `json:"window,omitempty"`
	Confirm    []byte        `json:"confirm"`
}

// PairState is the serializable form of one channel's keys.
type PairState struct {
	Out          []byte    `json:"out"`
	In           [2][]byte `json:"in"`
	ActiveIn     uint32    `json:"active_in"`
	ActiveOut    uint32    `json:"active_out"`
	InRatchetAt  time.Time `json:"in_ratchet_at,omitzero"`
	OutRatchetAt time.Time `json:"out_ratchet_at"`
}

// State captures the current endpoint state.
func (e *Endpoint) State() (*State, error) {
	if !e.keyed {
		return nil, ErrBadState
	}

	s := &State{
		Role:       e.role,
		StreamOnly: e.streamOnly,
		Stream:     savePair(&e.keys.Stream),
		StreamIVs:  [2]uint64{e.streamOutIV, e.streamInIV},
		Confirm:    mem.Copy(e.keys.Confirm[:]),
	}
	if e.keys.Dgram != nil {
		dgram := savePair(e.keys.Dgram)
		s.Dgram = &dgram
		s.DgramOutIV = e.dgramOutIV
		w := e.window.Save()
		s.Window = &w
	}

	return s, nil
}

// Restore rebuilds an Endpoint from a previously saved State. Options apply
// as in NewEndpoint.
func Restore(s *State, opts ...Option) (*Endpoint, error) {
	if s == nil {
		return nil, ErrInvalidState
	}
	if !s.Role.valid() {
		return nil, fmt.Errorf("%w: bad role", ErrInvalidState)
	}
	if len(s.Stream.Out) != keyset.KeySize {
		return nil, fmt.Errorf("%w: missing stream keys", ErrInvalidState)
	}
	if !s.StreamOnly && (s.Dgram == nil || s.Window == nil) {
		return nil, fmt.Errorf("%w: missing datagram state", ErrInvalidState)
	}

	e := &Endpoint{
		role:       s.Role,
		streamOnly: s.StreamOnly,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}

	keys := &keyset.Set{}
	if err := restorePair(&keys.Stream, &s.Stream); err != nil {
		return nil, err
	}
	copy(keys.Confirm[:], s.Confirm)
	e.streamOutIV, e.streamInIV = s.StreamIVs[0], s.StreamIVs[1]

	if !s.StreamOnly {
		keys.Dgram = &keyset.Pair{}
		if err := restorePair(keys.Dgram, s.Dgram); err != nil {
			return nil, err
		}
		e.dgramOutIV = s.DgramOutIV
		e.window = replay.Restore(*s.Window)
	}

	e.keys = keys
	e.keyed = true

	return e, nil
}

// Serialize encodes the State as JSON.
func (s *State) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize decodes a State from JSON bytes.
func Deserialize(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("deserializing state: %w", err)
	}
	return &s, nil
}

// Wipe erases the key material held by the snapshot.
func (s *State) Wipe() {
	wipePair(&s.Stream)
	if s.Dgram != nil {
		wipePair(s.Dgram)
	}
	mem.Wipe(s.Confirm)
}

func savePair(p *keyset.Pair) PairState {
	return PairState{
		Out:          mem.Copy(p.Out[:]),
		In:           [2][]byte{mem.Copy(p.In[0][:]), mem.Copy(p.In[1][:])},
		ActiveIn:     p.ActiveIn,
		ActiveOut:    p.ActiveOut,
		InRatchetAt:  p.InRatchetAt,
		OutRatchetAt: p.OutRatchetAt,
	}
}

func restorePair(dst *keyset.Pair, src *PairState) error {
	if len(src.Out) != keyset.KeySize ||
		len(src.In[0]) != keyset.KeySize || len(src.In[1]) != keyset.KeySize {
		return fmt.Errorf("%w: bad key length", ErrInvalidState)
	}
	copy(dst.Out[:], src.Out)
	copy(dst.In[0][:], src.In[0])
	copy(dst.In[1][:], src.In[1])
	dst.ActiveIn = src.ActiveIn & 1
	dst.ActiveOut = src.ActiveOut & 1
	dst.InRatchetAt = src.InRatchetAt
	dst.OutRatchetAt = src.OutRatchetAt
	return nil
}

func wipePair(p *PairState) {
	mem.Wipe(p.Out)
	mem.Wipe(p.In[0])
	mem.Wipe(p.In[1])
}

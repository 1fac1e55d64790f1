// Package replay tracks accepted datagram counters so duplicated or stale
// messages can be rejected in constant time, and reconstructs full 64-bit
// counters from the truncated samples carried on the wire.
package replay

// Window is a sliding bitmap over recently accepted IVs. Two 64-bit words
// aligned to a 64-IV boundary cover the block containing the highest
// accepted IV plus the previous block.
//
// Usage is check-then-accept: Check before authenticating a message, Accept
// only after authentication succeeds, so forged IVs never poison the window.
type Window struct {
	words   [2]uint64
	highest uint64
	hasAny  bool
}

// Check reports whether iv could still be accepted: it is newer than
// anything seen, or inside the window with its bit clear. IVs older than the
// window and IVs already accepted are rejected.
func (w *Window) Check(iv uint64) bool {
	if !w.hasAny || iv > w.highest {
		return true
	}
	blk := iv >> 6
	if hblk := w.highest >> 6; hblk-blk >= 2 {
		// Older than the two tracked blocks.
		return false
	}
	return w.words[blk&1]&(1<<(iv&63)) == 0
}

// Accept records iv as seen, sliding the window forward when iv is beyond
// the highest accepted so far. Callers must have validated iv with Check.
func (w *Window) Accept(iv uint64) {
	switch {
	case !w.hasAny:
		w.hasAny = true
		w.highest = iv
	case iv > w.highest:
		switch (iv >> 6) - (w.highest >> 6) {
		case 0:
		case 1:
			w.words[(iv>>6)&1] = 0
		default:
			w.words[0], w.words[1] = 0, 0
		}
		w.highest = iv
	}
	w.words[(iv>>6)&1] |= 1 << (iv & 63)
}

// LastAccepted returns the highest accepted IV, or 0 when nothing has been
// accepted yet.
func (w *Window) LastAccepted() uint64 {
	return w.highest
}

// Empty reports whether no IV has ever been accepted.
func (w *Window) Empty() bool {
	return !w.hasAny
}

// State is a serializable snapshot of a Window.
type State struct {
	Words   [2]uint64 `json:"words"`
	Highest uint64    `json:"highest"`
	HasAny  bool      `json:"has_any"`
}

// Save captures the window state.
func (w *Window) Save() State {
	return State{Words: w.words, Highest: w.highest, HasAny: w.hasAny}
}

// Restore rebuilds a Window from a saved state.
func Restore(s State) *Window {
	return &Window{words: s.Words, highest: s.Highest, hasAny: s.HasAny}
}

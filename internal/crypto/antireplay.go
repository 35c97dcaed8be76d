package crypto

// ReplayWindowSize is the width, in frame-counter values, of the sliding
// anti-replay window kept per neighbor.
const ReplayWindowSize = 32

// ReplayWindow tracks the highest frame counter seen from a peer and a
// bitmap of which of the preceding ReplayWindowSize counters have already
// been accepted, rejecting anything at or behind the window or already
// marked seen.
type ReplayWindow struct {
	highest uint32
	seen    uint32 // bit i set means (highest - i) has been accepted
	init    bool
}

// Reset clears the window, as required whenever a neighbor is (re)promoted
// to PERMANENT (fresh handshake, UPDATE/UPDATEACK cycle, or REFRESH rekey).
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}

// WasReplayed reports whether counter has already been accepted or falls
// at/behind the trailing edge of the window, without updating state. The
// caller only commits (Accept) after the frame's MIC has verified.
func (w *ReplayWindow) WasReplayed(counter uint32) bool {
	if !w.init {
		return false
	}
	if counter > w.highest {
		return false
	}
	age := w.highest - counter
	if age >= ReplayWindowSize {
		return true
	}
	return w.seen&(1<<age) != 0
}

// Accept records counter as received. Call only after MIC verification
// succeeds; per §7 a CryptoReject must never mutate anti-replay state.
func (w *ReplayWindow) Accept(counter uint32) {
	if !w.init {
		w.highest = counter
		w.seen = 1
		w.init = true
		return
	}
	if counter > w.highest {
		shift := counter - w.highest
		if shift >= ReplayWindowSize {
			w.seen = 1
		} else {
			w.seen = (w.seen << shift) | 1
		}
		w.highest = counter
		return
	}
	age := w.highest - counter
	if age < ReplayWindowSize {
		w.seen |= 1 << age
	}
}

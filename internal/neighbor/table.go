package neighbor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
)

// UpdateInfo carries the fields an accepted HELLOACK/ACK/UPDATE/UPDATEACK
// update-form frame contributes to a neighbor, once the frame codec (A) has
// parsed it. It stands in for neighbor_update's raw on-wire byte slice: the
// codec owns parsing, the table owns what the parsed fields mean.
type UpdateInfo struct {
	Short        apkesid.Short
	ForeignIndex uint8
	BroadcastKey *crypto.Key // nil when the scheme carries no broadcast key
}

// Table is the bounded neighbor pool (component C). It is not safe for
// concurrent use by itself; internal/node serializes all access through its
// single event loop per §5, but Table still takes its own lock so unit
// tests and the simulation harness can drive it directly without adopting
// the full node wiring.
type Table struct {
	mu    sync.RWMutex
	slots []*Neighbor // index == slot id; nil means free
	order []int       // slot ids in local_index order
	free  []int

	nMax  int
	kTent int
	life  time.Duration

	// OnNewNeighbor is invoked after a neighbor is promoted to PERMANENT,
	// mirroring apkes_trickle_on_new_neighbor(). Wired by internal/node.
	OnNewNeighbor func()
	// OnPersist is invoked after every promotion, mirroring
	// apkes_flash_backup_neighbors(). Wired by internal/node.
	OnPersist func(*Table)

	log *slog.Logger
}

// Config bounds the table per §6's constants: NMax is N_MAX, KTent is
// K_TENT, Life is T_LIFE.
type Config struct {
	NMax  int
	KTent int
	Life  time.Duration
}

func New(cfg Config, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		slots: make([]*Neighbor, cfg.NMax),
		nMax:  cfg.NMax,
		kTent: cfg.KTent,
		life:  cfg.Life,
		log:   log.With("component", "neighbor"),
	}
}

// LazyThreshold is L = N_MAX - K_TENT from §4.4's capacity policy.
func (t *Table) LazyThreshold() int {
	return t.nMax - t.kTent
}

// Capacity is N_MAX, the table's fixed slot count.
func (t *Table) Capacity() int {
	return t.nMax
}

// Count returns the number of occupied slots.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// New allocates a slot for a newly-seen peer, first purging expired
// entries to make room, following neighbor_new()'s
// delete-expired-then-allocate order. Returns ok=false if the table
// remains full after the purge.
func (t *Table) New(now time.Time, extended apkesid.Extended) (*Neighbor, Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purgeExpiredLocked(now)

	slotID := t.allocSlotLocked()
	if slotID < 0 {
		return nil, Handle{}, false
	}

	n := &Neighbor{
		Record: Record{
			Extended: extended,
			Status:   StatusTentative,
		},
		slot: slotID,
	}
	t.slots[slotID] = n
	t.insertOrderedLocked(slotID)

	return n, Handle{Slot: slotID, Generation: n.generation}, true
}

func (t *Table) allocSlotLocked() int {
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		return id
	}
	for i, s := range t.slots {
		if s == nil {
			return i
		}
	}
	return -1
}

// insertOrderedLocked implements add()'s gap-filling local_index
// allocation: scan the ordered list, inserting into the first gap larger
// than 1 between consecutive local_index values; append prev+1 otherwise.
func (t *Table) insertOrderedLocked(slotID int) {
	n := t.slots[slotID]
	if len(t.order) == 0 {
		n.LocalIndex = 0
		t.order = []int{slotID}
		return
	}
	pos := len(t.order)
	for i := 0; i < len(t.order)-1; i++ {
		cur := t.slots[t.order[i]]
		next := t.slots[t.order[i+1]]
		if next.LocalIndex-cur.LocalIndex > 1 {
			pos = i + 1
			break
		}
	}
	if pos == len(t.order) {
		last := t.slots[t.order[len(t.order)-1]]
		n.LocalIndex = last.LocalIndex + 1
		t.order = append(t.order, slotID)
	} else {
		cur := t.slots[t.order[pos-1]]
		n.LocalIndex = cur.LocalIndex + 1
		t.order = append(t.order, 0)
		copy(t.order[pos+1:], t.order[pos:])
		t.order[pos] = slotID
	}
}

// Get performs neighbor_get()'s linear scan by extended address.
func (t *Table) Get(extended apkesid.Extended) (*Neighbor, Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, slotID := range t.order {
		n := t.slots[slotID]
		if n.Extended == extended {
			return n, Handle{Slot: slotID, Generation: n.generation}, true
		}
	}
	return nil, Handle{}, false
}

// Resolve validates a handle against the slot's current generation,
// returning ok=false on any stale reference (§9).
func (t *Table) Resolve(h Handle) (*Neighbor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if h.Slot < 0 || h.Slot >= len(t.slots) {
		return nil, false
	}
	n := t.slots[h.Slot]
	if n == nil || n.generation != h.Generation {
		return nil, false
	}
	return n, true
}

// Delete removes the neighbor referenced by h, if the handle is still
// valid, and bumps the slot's generation so any outstanding handle becomes
// stale.
func (t *Table) Delete(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteLocked(h)
}

func (t *Table) deleteLocked(h Handle) {
	if h.Slot < 0 || h.Slot >= len(t.slots) {
		return
	}
	n := t.slots[h.Slot]
	if n == nil || n.generation != h.Generation {
		return
	}
	n.generation++
	t.slots[h.Slot] = nil
	t.free = append(t.free, h.Slot)
	for i, id := range t.order {
		if id == h.Slot {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Update applies an accepted update-form frame: sets short address,
// foreign index, and optional broadcast key; resets anti-replay; marks the
// neighbor PERMANENT; prolongs its expiry by T_LIFE; and fires the
// persistence and new-neighbor hooks, mirroring neighbor_update() exactly.
func (t *Table) Update(now time.Time, h Handle, info UpdateInfo) bool {
	t.mu.Lock()
	n, ok := t.resolveLocked(h)
	if !ok {
		t.mu.Unlock()
		return false
	}
	n.Short = info.Short
	n.ForeignIndex = info.ForeignIndex
	if info.BroadcastKey != nil {
		n.BroadcastKey = *info.BroadcastKey
		n.HasBroadcastKey = true
	}
	n.AntiReplay.Reset()
	n.Status = StatusPermanent
	t.prolongLocked(n, now)
	t.mu.Unlock()

	if t.OnPersist != nil {
		t.OnPersist(t)
	}
	if t.OnNewNeighbor != nil {
		t.OnNewNeighbor()
	}
	t.log.Debug("neighbor promoted to permanent", "short", n.Short, "local_index", n.LocalIndex)
	return true
}

func (t *Table) resolveLocked(h Handle) (*Neighbor, bool) {
	if h.Slot < 0 || h.Slot >= len(t.slots) {
		return nil, false
	}
	n := t.slots[h.Slot]
	if n == nil || n.generation != h.Generation {
		return nil, false
	}
	return n, true
}

// Prolong resets a neighbor's expiration to now+T_LIFE without sending any
// wire traffic — the "lazy" branch of the keepalive policy (§4.4, §4.7).
func (t *Table) Prolong(now time.Time, h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.resolveLocked(h)
	if !ok {
		return false
	}
	t.prolongLocked(n, now)
	return true
}

func (t *Table) prolongLocked(n *Neighbor, now time.Time) {
	n.ExpirationUnix = now.Add(t.life).Unix()
}

// purgeExpiredLocked mirrors delete_expired_neighbors(), iterating the
// ordered list and dropping anything past its expiration time.
func (t *Table) purgeExpiredLocked(now time.Time) {
	nowUnix := now.Unix()
	var doomed []Handle
	for _, slotID := range t.order {
		n := t.slots[slotID]
		if n.ExpirationUnix != 0 && n.ExpirationUnix <= nowUnix {
			doomed = append(doomed, Handle{Slot: slotID, Generation: n.generation})
		}
	}
	for _, h := range doomed {
		t.deleteLocked(h)
	}
}

// PurgeExpired is the exported entry point the keepalive loop calls after
// its per-neighbor pass.
func (t *Table) PurgeExpired(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeExpiredLocked(now)
}

// Snapshot returns a point-in-time copy of every Record in local_index
// order, for persistence backup (§3's neighbor region) and monitor
// reporting. It never exposes live *Neighbor pointers.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.order))
	for _, slotID := range t.order {
		out = append(out, t.slots[slotID].Record)
	}
	return out
}

// Restore replaces the table's contents with records (typically freshly
// read from persistent storage), skipping anything not StatusPermanent per
// §4.8/§9's restore-path decision, and resetting each survivor's
// anti-replay window. Handles issued before Restore are all invalidated.
func (t *Table) Restore(records []Record) []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.slots = make([]*Neighbor, t.nMax)
	t.order = nil
	t.free = nil

	var handles []Handle
	for _, r := range records {
		if r.Status != StatusPermanent {
			continue
		}
		slotID := t.allocSlotLocked()
		if slotID < 0 {
			t.log.Warn("dropping restored neighbor, table full", "short", r.Short)
			continue
		}
		n := &Neighbor{Record: r, slot: slotID}
		t.slots[slotID] = n
		// Restored records arrive already sorted by local_index (§3's
		// neighbor region is a packed array written in that order), so
		// t.order just tracks arrival order here. insertOrderedLocked's
		// gap-fill allocator is for newly-assigned indices and must not
		// be used: it would scan still-unsorted state and splice this
		// slot into the middle of t.order, desyncing it from LocalIndex.
		t.order = append(t.order, slotID)
		handles = append(handles, Handle{Slot: slotID, Generation: n.generation})
	}
	return handles
}

// All returns the live neighbors in local_index order. The returned slice
// aliases table-owned pointers and must not be mutated by callers outside
// the table's own methods.
func (t *Table) All() []*Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Neighbor, len(t.order))
	for i, slotID := range t.order {
		out[i] = t.slots[slotID]
	}
	return out
}

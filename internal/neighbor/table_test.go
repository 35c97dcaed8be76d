package neighbor

import (
	"testing"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
)

func newTestTable(nMax, kTent int) *Table {
	return New(Config{NMax: nMax, KTent: kTent, Life: time.Minute}, nil)
}

func TestNewAllocatesDenseLocalIndex(t *testing.T) {
	tb := newTestTable(4, 1)
	now := time.Now()

	n1, _, ok := tb.New(now, apkesid.ExtendedFromUint64(1))
	if !ok || n1.LocalIndex != 0 {
		t.Fatalf("expected first neighbor at local index 0, got %d ok=%v", n1.LocalIndex, ok)
	}
	n2, h2, ok := tb.New(now, apkesid.ExtendedFromUint64(2))
	if !ok || n2.LocalIndex != 1 {
		t.Fatalf("expected second neighbor at local index 1, got %d", n2.LocalIndex)
	}
	n3, _, ok := tb.New(now, apkesid.ExtendedFromUint64(3))
	if !ok || n3.LocalIndex != 2 {
		t.Fatalf("expected third neighbor at local index 2, got %d", n3.LocalIndex)
	}

	tb.Delete(h2)
	n4, _, ok := tb.New(now, apkesid.ExtendedFromUint64(4))
	if !ok || n4.LocalIndex != 1 {
		t.Fatalf("expected new neighbor to fill the gap at local index 1, got %d", n4.LocalIndex)
	}
}

func TestTableFullReturnsFalse(t *testing.T) {
	tb := newTestTable(2, 1)
	now := time.Now()
	if _, _, ok := tb.New(now, apkesid.ExtendedFromUint64(1)); !ok {
		t.Fatalf("expected room for first neighbor")
	}
	if _, _, ok := tb.New(now, apkesid.ExtendedFromUint64(2)); !ok {
		t.Fatalf("expected room for second neighbor")
	}
	if _, _, ok := tb.New(now, apkesid.ExtendedFromUint64(3)); ok {
		t.Fatalf("expected table full")
	}
}

func TestHandleInvalidatedAfterDelete(t *testing.T) {
	tb := newTestTable(4, 1)
	now := time.Now()
	_, h, _ := tb.New(now, apkesid.ExtendedFromUint64(1))
	tb.Delete(h)
	if _, ok := tb.Resolve(h); ok {
		t.Fatalf("expected stale handle to fail resolution")
	}
	// The freed slot may be reused, but the old handle's generation must not
	// alias the new occupant.
	_, h2, _ := tb.New(now, apkesid.ExtendedFromUint64(2))
	if h.Slot == h2.Slot && h.Generation == h2.Generation {
		t.Fatalf("reused slot aliased the old handle")
	}
}

func TestPurgeExpired(t *testing.T) {
	tb := newTestTable(4, 1)
	now := time.Now()
	n, h, _ := tb.New(now, apkesid.ExtendedFromUint64(1))
	n.ExpirationUnix = now.Add(-time.Second).Unix()
	tb.PurgeExpired(now)
	if _, ok := tb.Resolve(h); ok {
		t.Fatalf("expected expired neighbor to be purged")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tb := newTestTable(4, 1)
	now := time.Now()
	_, h, _ := tb.New(now, apkesid.ExtendedFromUint64(1))
	tb.Update(now, h, UpdateInfo{Short: apkesid.Short(5)})

	snap := tb.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusPermanent {
		t.Fatalf("expected one permanent record, got %+v", snap)
	}

	tb2 := newTestTable(4, 1)
	handles := tb2.Restore(snap)
	if len(handles) != 1 {
		t.Fatalf("expected one restored handle, got %d", len(handles))
	}
	n, ok := tb2.Resolve(handles[0])
	if !ok || n.Short != apkesid.Short(5) {
		t.Fatalf("restored neighbor mismatch: %+v", n)
	}
}

func TestRestoreDropsNonPermanent(t *testing.T) {
	tb := newTestTable(4, 1)
	records := []Record{
		{Extended: apkesid.ExtendedFromUint64(1), Status: StatusTentative},
		{Extended: apkesid.ExtendedFromUint64(2), Status: StatusPermanent},
	}
	handles := tb.Restore(records)
	if len(handles) != 1 {
		t.Fatalf("expected only the permanent record to survive restore, got %d", len(handles))
	}
}

func TestRestorePreservesGappedLocalIndexOrder(t *testing.T) {
	tb := newTestTable(8, 2)
	records := []Record{
		{Extended: apkesid.ExtendedFromUint64(1), Status: StatusPermanent, LocalIndex: 0},
		{Extended: apkesid.ExtendedFromUint64(2), Status: StatusPermanent, LocalIndex: 2},
		{Extended: apkesid.ExtendedFromUint64(3), Status: StatusPermanent, LocalIndex: 5},
	}
	handles := tb.Restore(records)
	if len(handles) != 3 {
		t.Fatalf("expected all three permanent records restored, got %d", len(handles))
	}

	all := tb.All()
	if len(all) != 3 {
		t.Fatalf("expected three live neighbors, got %d", len(all))
	}
	wantIndex := []uint8{0, 2, 5}
	wantExtended := []apkesid.Extended{
		apkesid.ExtendedFromUint64(1),
		apkesid.ExtendedFromUint64(2),
		apkesid.ExtendedFromUint64(3),
	}
	for i, n := range all {
		if n.LocalIndex != wantIndex[i] {
			t.Fatalf("slot %d: expected local_index %d, got %d (order desynced)", i, wantIndex[i], n.LocalIndex)
		}
		if n.Extended != wantExtended[i] {
			t.Fatalf("slot %d: expected extended %v, got %v (order desynced)", i, wantExtended[i], n.Extended)
		}
	}
}

func TestCapacityAndLazyThreshold(t *testing.T) {
	tb := newTestTable(10, 3)
	if tb.Capacity() != 10 {
		t.Fatalf("expected capacity 10, got %d", tb.Capacity())
	}
	if tb.LazyThreshold() != 7 {
		t.Fatalf("expected lazy threshold 7, got %d", tb.LazyThreshold())
	}
}

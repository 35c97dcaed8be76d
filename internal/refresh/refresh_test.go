package refresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/neighbor"
	"github.com/krentzlab/apkes/internal/store"
)

type nullMAC struct {
	sends int32
}

func (m *nullMAC) LocalAddr() apkesid.Extended     { return apkesid.ExtendedFromUint64(1) }
func (m *nullMAC) SetReceiver(r mac.Receiver)      {}
func (m *nullMAC) Start(ctx context.Context) error { return nil }
func (m *nullMAC) Close() error                    { return nil }
func (m *nullMAC) Send(ctx context.Context, fr mac.Frame) error {
	atomic.AddInt32(&m.sends, 1)
	return nil
}

type stubBuilder struct{}

func (stubBuilder) BuildRefresh(counter uint32) ([]byte, error) {
	return frame.EncodeRefresh(), nil
}

func TestBootstrapRekeysSurvivorsAndBroadcastsRefresh(t *testing.T) {
	s := store.NewMemory()
	var oldKey crypto.Key
	for i := range oldKey {
		oldKey[i] = byte(i + 1)
	}
	records := []neighbor.Record{
		{Extended: apkesid.ExtendedFromUint64(2), Status: neighbor.StatusPermanent, PairwiseKey: oldKey},
		{Extended: apkesid.ExtendedFromUint64(3), Status: neighbor.StatusTentative},
	}
	if err := store.BackupNeighbors(s, records); err != nil {
		t.Fatalf("seed backup: %v", err)
	}

	table := neighbor.New(neighbor.Config{NMax: 8, KTent: 2, Life: time.Minute}, nil)
	m := &nullMAC{}
	mgr := New(Config{MRefresh: 3, TRefresh: 5 * time.Millisecond, NeighborCapacity: 4096}, s, table, m, stubBuilder{}, nil)

	done := make(chan struct{})
	handles, err := mgr.Bootstrap(context.Background(), func() { close(done) })
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected only the PERMANENT record to survive restore, got %d", len(handles))
	}
	n, ok := table.Resolve(handles[0])
	if !ok {
		t.Fatalf("expected restored handle to resolve")
	}
	if n.PairwiseKey == oldKey {
		t.Fatalf("expected the restored key to be reboot-rekeyed")
	}
	if want := crypto.RebootRekey(oldKey); n.PairwiseKey != want {
		t.Fatalf("rekey mismatch: got %x want %x", n.PairwiseKey, want)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("onDone was never called")
	}
	if atomic.LoadInt32(&m.sends) != 3 {
		t.Fatalf("expected MRefresh=3 REFRESH broadcasts, got %d", m.sends)
	}
}

func TestBootstrapWithEmptyTableCallsOnDoneImmediately(t *testing.T) {
	s := store.NewMemory()
	table := neighbor.New(neighbor.Config{NMax: 8, KTent: 2, Life: time.Minute}, nil)
	m := &nullMAC{}
	mgr := New(Config{MRefresh: 3, TRefresh: time.Millisecond, NeighborCapacity: 4096}, s, table, m, stubBuilder{}, nil)

	called := false
	handles, err := mgr.Bootstrap(context.Background(), func() { called = true })
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(handles) != 0 {
		t.Fatalf("expected no handles for an empty backup, got %d", len(handles))
	}
	if !called {
		t.Fatalf("expected onDone to be called synchronously when there is nothing to restore")
	}
}

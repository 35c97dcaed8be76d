package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/keying"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/neighbor"
	"github.com/krentzlab/apkes/internal/prng"
)

// recordingMAC counts frames sent by id, for tests that assert a handler
// did or did not emit a particular reply.
type recordingMAC struct {
	local apkesid.Extended
	sent  map[frame.ID]int
}

func newRecordingMAC(local apkesid.Extended) *recordingMAC {
	return &recordingMAC{local: local, sent: make(map[frame.ID]int)}
}

func (r *recordingMAC) LocalAddr() apkesid.Extended     { return r.local }
func (r *recordingMAC) SetReceiver(mac.Receiver)        {}
func (r *recordingMAC) Start(ctx context.Context) error { return nil }
func (r *recordingMAC) Close() error                    { return nil }
func (r *recordingMAC) Send(ctx context.Context, fr mac.Frame) error {
	r.sent[fr.ID]++
	return nil
}

// loopback is a synchronous, direct-call mac.MAC test double: Send hands the
// payload straight to the peer's registered receiver, with no network
// latency, so handshake tests run deterministically and fast.
type loopback struct {
	local    apkesid.Extended
	peer     *loopback
	receiver mac.Receiver
}

func (l *loopback) LocalAddr() apkesid.Extended       { return l.local }
func (l *loopback) SetReceiver(r mac.Receiver)        { l.receiver = r }
func (l *loopback) Start(ctx context.Context) error   { return nil }
func (l *loopback) Close() error                      { return nil }
func (l *loopback) Send(ctx context.Context, fr mac.Frame) error {
	if l.peer.receiver != nil {
		l.peer.receiver(l.local, fr.Broadcast, fr.ID, fr.Payload)
	}
	return nil
}

func newTestEngine(t *testing.T, local apkesid.Extended, short apkesid.Short, m mac.MAC, scheme keying.Scheme) *Engine {
	t.Helper()
	table := neighbor.New(neighbor.Config{NMax: 8, KTent: 4, Life: time.Minute}, nil)
	return New(Config{WMax: 5 * time.Millisecond, TAck: 5 * time.Millisecond, KTent: 4}, local, short, table, scheme, m, prng.New(), nil)
}

func TestHandshakeConvergesToMatchingPairwiseKey(t *testing.T) {
	var masterKey [keying.MasterKeyLen]byte
	var seed [keying.SeedLen]byte
	for i := range masterKey {
		masterKey[i] = byte(i + 1)
	}
	schemeA := keying.NewLEAP(masterKey, seed)
	schemeB := keying.NewLEAP(masterKey, seed)

	extA := apkesid.ExtendedFromUint64(1)
	extB := apkesid.ExtendedFromUint64(2)

	linkA := &loopback{local: extA}
	linkB := &loopback{local: extB}
	linkA.peer = linkB
	linkB.peer = linkA

	engineA := newTestEngine(t, extA, 1, linkA, schemeA)
	engineB := newTestEngine(t, extB, 2, linkB, schemeB)
	linkA.SetReceiver(func(sender apkesid.Extended, broadcast bool, id frame.ID, payload []byte) {
		engineA.HandleFrame(context.Background(), sender, broadcast, id, payload)
	})
	linkB.SetReceiver(func(sender apkesid.Extended, broadcast bool, id frame.ID, payload []byte) {
		engineB.HandleFrame(context.Background(), sender, broadcast, id, payload)
	})

	if err := engineA.BroadcastHello(context.Background()); err != nil {
		t.Fatalf("broadcast hello: %v", err)
	}

	// The HELLOACK reply is scheduled behind a randomized wait timer
	// (0 <= wait < WMax), so poll for convergence instead of assuming a
	// fixed number of synchronous steps completes it.
	deadline := time.Now().Add(2 * time.Second)
	var nA, nB *neighbor.Neighbor
	for time.Now().Before(deadline) {
		if n, _, ok := engineA.table.Get(extB); ok && n.Status == neighbor.StatusPermanent {
			nA = n
		}
		if n, _, ok := engineB.table.Get(extA); ok && n.Status == neighbor.StatusPermanent {
			nB = n
		}
		if nA != nil && nB != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if nA == nil || nB == nil {
		t.Fatalf("handshake did not converge to PERMANENT on both sides")
	}
	if nA.PairwiseKey != nB.PairwiseKey {
		t.Fatalf("pairwise keys diverged: A=%x B=%x", nA.PairwiseKey, nB.PairwiseKey)
	}
}

func TestOnHelloIgnoresSecondHelloFromKnownPeer(t *testing.T) {
	var masterKey [keying.MasterKeyLen]byte
	var seed [keying.SeedLen]byte
	scheme := keying.NewLEAP(masterKey, seed)
	extA := apkesid.ExtendedFromUint64(1)
	extB := apkesid.ExtendedFromUint64(2)

	e := newTestEngine(t, extA, 1, &loopback{local: extA, peer: &loopback{local: extB}}, scheme)
	payload := frame.EncodeHello(frame.HelloPayload{ShortAddr: 2})
	e.onHello(context.Background(), extB, payload)
	if e.table.Count() != 1 {
		t.Fatalf("expected one tentative neighbor after first HELLO, got %d", e.table.Count())
	}
	e.onHello(context.Background(), extB, payload)
	if e.table.Count() != 1 {
		t.Fatalf("expected a second HELLO from the same peer to be ignored, count=%d", e.table.Count())
	}
}

// TestOnUpdateRejectsReplayedFrame pins down §8 scenario 3: a replayed
// UPDATE must not prolong the neighbor a second time or emit a second
// UPDATEACK.
func TestOnUpdateRejectsReplayedFrame(t *testing.T) {
	var masterKey [keying.MasterKeyLen]byte
	var seed [keying.SeedLen]byte
	scheme := keying.NewLEAP(masterKey, seed)
	extA := apkesid.ExtendedFromUint64(1)
	extB := apkesid.ExtendedFromUint64(2)

	m := newRecordingMAC(extA)
	e := newTestEngine(t, extA, 1, m, scheme)

	now := time.Now()
	n, h, ok := e.table.New(now, extB)
	if !ok {
		t.Fatalf("failed to allocate neighbor")
	}
	var key crypto.Key
	for i := range key {
		key[i] = byte(i + 1)
	}
	n.PairwiseKey = key
	e.table.Update(now, h, neighbor.UpdateInfo{Short: apkesid.Short(2), ForeignIndex: n.LocalIndex})

	f := frame.UpdateForm{ShortAddr: apkesid.Short(2), ReceiverLocalIndex: n.ForeignIndex}
	sealed, err := frame.SealUpdateForm(frame.Update, f, key, extB, 7, e.securityLevel())
	if err != nil {
		t.Fatalf("seal update: %v", err)
	}

	e.onUpdate(context.Background(), extB, sealed)
	if m.sent[frame.UpdateAck] != 1 {
		t.Fatalf("expected exactly one UPDATEACK after the first UPDATE, got %d", m.sent[frame.UpdateAck])
	}
	afterFirst := n.ExpirationUnix

	e.onUpdate(context.Background(), extB, sealed)
	if m.sent[frame.UpdateAck] != 1 {
		t.Fatalf("expected the replayed UPDATE to be dropped with no extra UPDATEACK, got %d sends", m.sent[frame.UpdateAck])
	}
	if n.ExpirationUnix != afterFirst {
		t.Fatalf("expected expiry unchanged by the replayed UPDATE: before=%d after=%d", afterFirst, n.ExpirationUnix)
	}
}

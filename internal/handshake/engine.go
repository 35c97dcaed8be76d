// Package handshake implements the per-neighbor handshake state machine
// (component E): HELLO/HELLOACK/ACK and UPDATE/UPDATEACK processing,
// grounded on apkes.c's on_hello/wait_callback/on_helloack/on_ack/
// on_update/on_updateack chain, plus REFRESH processing (component H's
// receive side), grounded directly on §4.8/§4.5's REFRESH transition since
// the original never modeled REFRESH as a wire frame.
package handshake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/keying"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/neighbor"
	"github.com/krentzlab/apkes/internal/prng"
)

// Security-level bytes embedded in the CCM* nonce, distinguishing a
// MIC-only update-form frame from one that also encrypts a trailing
// broadcast key, mirroring LLSEC802154_SECURITY_LEVEL's two framings in
// prepare_update_command().
const (
	secLevelMICOnly   byte = 0x02
	secLevelEncAndMIC byte = 0x06
	secLevelBroadcast byte = 0x02
)

// errNoBroadcastKey is returned by BuildRefresh when the engine has no
// broadcast key configured to authenticate a REFRESH under.
var errNoBroadcastKey = errors.New("handshake: no broadcast key configured")

// Config bounds the engine's timing per §6.
type Config struct {
	WMax  time.Duration // max HELLOACK wait window
	TAck  time.Duration // ACK delay budget added to a tentative neighbor's expiry
	KTent int           // wait-timer pool capacity
}

// Clock lets tests substitute a fake wall clock; defaults to time.Now.
type Clock func() time.Time

// Engine drives one node's side of the handshake. Apart from its wait-timer
// pool's time.AfterFunc timers it owns no goroutines: BroadcastHello and HandleFrame are called by the Trickle
// scheduler and the MAC's Receiver callback respectively, consistent with
// §5's single-event-loop model — internal/node is responsible for making
// sure only one of these runs at a time.
type Engine struct {
	cfg   Config
	table *neighbor.Table
	keys  keying.Scheme
	m     mac.MAC
	rng   *prng.Source
	log   *slog.Logger
	now   Clock

	local        apkesid.Extended
	localShort   apkesid.Short
	ourChallenge crypto.Challenge
	waitPool     *waitTimerPool

	// BroadcastKey, when non-nil, is piggybacked on HELLOACK/ACK/UPDATE/
	// UPDATEACK frames and used to authenticate REFRESH broadcasts,
	// mirroring ebeap_broadcast_key under EBEAP_WITH_ENCRYPTION. A nil
	// value runs the engine in MIC-only mode (no broadcast key scheme).
	BroadcastKey *crypto.Key

	// Dispatch, when set, runs fn on the node's single event-loop goroutine
	// (§5): it is how the wait-timer pool's own background timer goroutine
	// hands a HELLOACK-emission callback back to that serialized loop
	// instead of mutating neighbor state from an arbitrary goroutine. Nil
	// runs fn inline, which is what this package's tests rely on when they
	// drive an Engine directly without a Node.
	Dispatch func(fn func())
}

func (e *Engine) dispatch(fn func()) {
	if e.Dispatch != nil {
		e.Dispatch(fn)
		return
	}
	fn()
}

// New constructs an Engine. local/localShort are this node's own
// addresses; table, keys, and m are the collaborators §4.5 requires.
func New(cfg Config, local apkesid.Extended, localShort apkesid.Short, table *neighbor.Table, keys keying.Scheme, m mac.MAC, rng *prng.Source, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		table:      table,
		keys:       keys,
		m:          m,
		rng:        rng,
		log:        log.With("component", "handshake"),
		now:        time.Now,
		local:      local,
		localShort: localShort,
	}
	e.waitPool = newWaitTimerPool(cfg.KTent, func(h neighbor.Handle) {
		e.dispatch(func() { e.waitCallback(h) })
	})
	return e
}

// SetClock overrides the engine's notion of "now", for deterministic tests.
func (e *Engine) SetClock(c Clock) { e.now = c }

func (e *Engine) securityLevel() byte {
	if e.BroadcastKey != nil {
		return secLevelEncAndMIC
	}
	return secLevelMICOnly
}

// BroadcastHello sends a fresh HELLO, drawing a new challenge from the
// cryptographic PRNG, mirroring apkes_broadcast_hello().
func (e *Engine) BroadcastHello(ctx context.Context) error {
	var c crypto.Challenge
	e.rng.Bytes(c[:])
	e.ourChallenge = c

	payload := frame.EncodeHello(frame.HelloPayload{
		Challenge: c,
		ShortAddr: e.localShort,
	})
	return e.m.Send(ctx, mac.Frame{
		ID:        frame.Hello,
		Payload:   payload,
		Broadcast: true,
	})
}

// HandleFrame is the mac.Receiver callback, dispatching by identifier
// exactly like on_command_frame().
func (e *Engine) HandleFrame(ctx context.Context, sender apkesid.Extended, broadcast bool, id frame.ID, payload []byte) {
	switch id {
	case frame.Hello:
		e.onHello(ctx, sender, payload)
	case frame.HelloAck:
		e.onHelloAck(ctx, sender, payload)
	case frame.Ack:
		e.onAck(sender, payload)
	case frame.Update:
		e.onUpdate(ctx, sender, payload)
	case frame.UpdateAck:
		e.onUpdateAck(sender, payload)
	case frame.Refresh:
		e.onRefresh(sender, payload)
	default:
		e.log.Debug("unknown command frame", "id", id)
	}
}

// onHello implements on_hello(): allocate a wait-timer slot, create a
// TENTATIVE neighbor if X is unknown, and arm a randomized HELLOACK delay.
func (e *Engine) onHello(ctx context.Context, sender apkesid.Extended, payload []byte) {
	hp, err := frame.DecodeHello(payload[1:])
	if err != nil {
		e.log.Debug("malformed HELLO", "err", err)
		return
	}

	if _, _, known := e.table.Get(sender); known {
		// A second HELLO from an already-known peer is silently ignored,
		// even if the wait-timer pool has room (§4.5's tie-break).
		return
	}

	n, h, ok := e.table.New(e.now(), sender)
	if !ok {
		e.log.Debug("HELLO dropped, neighbor table full")
		return
	}
	n.Short = hp.ShortAddr
	copy(n.Metadata[:crypto.ChallengeLen], hp.Challenge[:])
	e.rng.Bytes(n.Metadata[crypto.ChallengeLen:])

	waitPeriod := time.Duration(e.rng.Int64N(int64(e.cfg.WMax)))
	if !e.waitPool.Schedule(h, waitPeriod) {
		e.log.Debug("HELLO flood, wait-timer pool exhausted")
		e.table.Delete(h)
		return
	}
	// expiration_time = now + (W_MAX + T_ACK), covering the wait plus the
	// HELLOACK round trip before a caller would otherwise reap it.
	n.ExpirationUnix = e.now().Add(e.cfg.WMax + e.cfg.TAck).Unix()
}

// waitCallback implements wait_callback(): promote to
// TENTATIVE_AWAITING_ACK and emit HELLOACK, unless the neighbor moved on
// (e.g. it was deleted or already promoted) while the timer was pending.
func (e *Engine) waitCallback(h neighbor.Handle) {
	n, ok := e.table.Resolve(h)
	if !ok || n.Status != neighbor.StatusTentative {
		return
	}
	n.Status = neighbor.StatusTentativeAwaitingAck
	e.sendHelloAck(context.Background(), n, h)
}

// sendHelloAck implements send_helloack(): derive the pairwise key from
// the keying scheme's pre-secret and emit an update-form HELLOACK carrying
// our half of the challenge.
func (e *Engine) sendHelloAck(ctx context.Context, n *neighbor.Neighbor, h neighbor.Handle) {
	secret := e.keys.GetSecretWithHelloSender(n.Extended)
	if secret == nil {
		e.log.Debug("no secret with HELLO sender", "extended", n.Extended)
		return
	}
	cA := n.Metadata.HelloChallenge()
	cB := n.Metadata.OurChallenge()
	n.PairwiseKey = crypto.DerivePairwiseKey(*secret, cA, cB)

	if err := e.sendUpdateForm(ctx, frame.HelloAck, n, cB[:]); err != nil {
		e.log.Debug("send HELLOACK failed", "extended", n.Extended, "err", err)
	}
}

// onHelloAck implements on_helloack(): reconstruct the key from our stored
// challenge and the HELLOACK's challenge, verify the MIC, apply the state
// gating from §4.5 step 4, then promote and reply with ACK.
func (e *Engine) onHelloAck(ctx context.Context, sender apkesid.Extended, payload []byte) {
	secret := e.keys.GetSecretWithHelloAckSender(sender)
	if secret == nil {
		e.log.Debug("no secret with HELLOACK sender", "extended", sender)
		return
	}

	n, h, known := e.table.Get(sender)
	var cB crypto.Challenge
	// The challenge lives in the cleartext prefix, right after the
	// identifier and frame counter, which we must be able to read before
	// we can even attempt the MIC check — extract it ourselves rather
	// than trusting a not-yet-authenticated decode.
	challengeOff := 1 + frame.FrameCounterLen
	if len(payload) < challengeOff+crypto.ChallengeLen {
		return
	}
	copy(cB[:], payload[challengeOff:challengeOff+crypto.ChallengeLen])
	key := crypto.DerivePairwiseKey(*secret, e.ourChallenge, cB)

	uf, counter, err := frame.OpenUpdateForm(payload, crypto.ChallengeLen, e.BroadcastKey != nil, key, sender, e.securityLevel())
	if err != nil {
		e.log.Debug("invalid HELLOACK MIC", "extended", sender)
		return
	}

	if known {
		switch n.Status {
		case neighbor.StatusPermanent:
			if n.AntiReplay.WasReplayed(counter) {
				return
			}
		case neighbor.StatusTentative:
			// accept
		default:
			return
		}
	} else {
		var ok bool
		n, h, ok = e.table.New(e.now(), sender)
		if !ok {
			return
		}
	}

	n.PairwiseKey = key
	// table.Update resets the anti-replay window as part of promotion
	// (§4.4); re-seed it with this frame's own counter afterward so the
	// very next replay of this HELLOACK is caught rather than sliding in
	// under a freshly-blanked window.
	e.table.Update(e.now(), h, neighbor.UpdateInfo{
		Short:        uf.ShortAddr,
		ForeignIndex: uf.ReceiverLocalIndex,
		BroadcastKey: uf.BroadcastKey,
	})
	n.AntiReplay.Accept(counter)
	e.sendAck(ctx, n, h)
}

// sendAck implements send_ack(): an update-form ACK with no extra data.
func (e *Engine) sendAck(ctx context.Context, n *neighbor.Neighbor, h neighbor.Handle) {
	if err := e.sendUpdateForm(ctx, frame.Ack, n, nil); err != nil {
		e.log.Debug("send ACK failed", "extended", n.Extended, "err", err)
	}
}

// onAck implements on_ack(): require TENTATIVE_AWAITING_ACK and a valid
// MIC under the pairwise key already derived in sendHelloAck, then
// promote. §9's decision: no SCREWED piggyback, so this is one plain
// neighbor.Update call (the original calls it twice under
// APKES_WITH_SCREWED for an unrelated ping/pong feature this port omits).
func (e *Engine) onAck(sender apkesid.Extended, payload []byte) {
	n, h, known := e.table.Get(sender)
	if !known || n.Status != neighbor.StatusTentativeAwaitingAck {
		return
	}
	uf, counter, err := e.openUpdateForm(sender, payload, 0, n.PairwiseKey)
	if err != nil {
		e.log.Debug("invalid ACK MIC", "extended", sender)
		return
	}
	e.table.Update(e.now(), h, neighbor.UpdateInfo{
		Short:        uf.ShortAddr,
		ForeignIndex: uf.ReceiverLocalIndex,
		BroadcastKey: uf.BroadcastKey,
	})
	n.AntiReplay.Accept(counter)
}

// SendUpdate implements apkes_send_update(), exported for the keepalive
// loop (G) to call on its periodic pass.
func (e *Engine) SendUpdate(ctx context.Context, h neighbor.Handle) error {
	n, ok := e.table.Resolve(h)
	if !ok {
		return nil
	}
	return e.sendUpdateForm(ctx, frame.Update, n, nil)
}

// onUpdate implements on_update(): verify MIC and anti-replay, reply with
// UPDATEACK immediately, then promote — matching the original's ordering
// (send first, then neighbor_update, so the ACK doesn't wait on bookkeeping).
func (e *Engine) onUpdate(ctx context.Context, sender apkesid.Extended, payload []byte) {
	n, h, known := e.table.Get(sender)
	if !known {
		return
	}
	uf, counter, err := e.openUpdateForm(sender, payload, 0, n.PairwiseKey)
	if err != nil {
		return
	}
	if n.AntiReplay.WasReplayed(counter) {
		return
	}
	e.sendUpdateAck(ctx, n)
	e.table.Update(e.now(), h, neighbor.UpdateInfo{
		Short:        uf.ShortAddr,
		ForeignIndex: uf.ReceiverLocalIndex,
		BroadcastKey: uf.BroadcastKey,
	})
	n.AntiReplay.Accept(counter)
}

// sendUpdateAck implements send_updateack().
func (e *Engine) sendUpdateAck(ctx context.Context, n *neighbor.Neighbor) {
	if err := e.sendUpdateForm(ctx, frame.UpdateAck, n, nil); err != nil {
		e.log.Debug("send UPDATEACK failed", "extended", n.Extended, "err", err)
	}
}

// onUpdateAck implements on_updateack(): same gating as onUpdate, just
// promote without replying.
func (e *Engine) onUpdateAck(sender apkesid.Extended, payload []byte) {
	n, h, known := e.table.Get(sender)
	if !known {
		return
	}
	uf, counter, err := e.openUpdateForm(sender, payload, 0, n.PairwiseKey)
	if err != nil {
		return
	}
	if n.AntiReplay.WasReplayed(counter) {
		return
	}
	e.table.Update(e.now(), h, neighbor.UpdateInfo{
		Short:        uf.ShortAddr,
		ForeignIndex: uf.ReceiverLocalIndex,
		BroadcastKey: uf.BroadcastKey,
	})
	n.AntiReplay.Accept(counter)
}

// onRefresh implements §4.8's receive-side REFRESH transition: back up the
// peer's pairwise key, apply the reboot-rekey derivation, and only commit
// the rekeyed state if the broadcast MIC verifies under it — otherwise the
// peer's REFRESH wasn't really meant for the key we hold and we roll back.
func (e *Engine) onRefresh(sender apkesid.Extended, payload []byte) {
	n, h, known := e.table.Get(sender)
	if !known {
		return
	}
	backup := n.PairwiseKey
	rekeyed := crypto.RebootRekey(backup)

	if err := frame.OpenRefresh(payload, rekeyed, sender, secLevelBroadcast); err != nil {
		n.PairwiseKey = backup
		e.log.Debug("REFRESH MIC failed to verify under rekeyed state, rolled back", "extended", sender)
		return
	}
	n.PairwiseKey = rekeyed
	n.AntiReplay.Reset()
	e.table.Prolong(e.now(), h)
	if e.table.OnPersist != nil {
		e.table.OnPersist(e.table)
	}
}

// BuildRefresh seals a REFRESH broadcast under the engine's current
// broadcast key, for internal/refresh (component H) to transmit
// M_REFRESH times on bootstrap. Returns an error if the engine has no
// broadcast key configured: REFRESH has nothing to authenticate under.
func (e *Engine) BuildRefresh(counter uint32) ([]byte, error) {
	if e.BroadcastKey == nil {
		return nil, errNoBroadcastKey
	}
	return frame.SealRefresh(*e.BroadcastKey, e.local, counter, secLevelBroadcast)
}

// sendUpdateForm builds, authenticates, and sends an update-form frame to
// n, piggybacking BroadcastKey when the engine runs with one configured.
func (e *Engine) sendUpdateForm(ctx context.Context, id frame.ID, n *neighbor.Neighbor, extra []byte) error {
	f := frame.UpdateForm{
		Extra:              extra,
		ShortAddr:          e.localShort,
		ReceiverLocalIndex: n.LocalIndex,
		BroadcastKey:       e.BroadcastKey,
	}
	counter := n.OutCounter
	n.OutCounter++
	sealed, err := frame.SealUpdateForm(id, f, n.PairwiseKey, e.local, counter, e.securityLevel())
	if err != nil {
		return err
	}
	return e.m.Send(ctx, mac.Frame{
		ID:      id,
		Payload: sealed,
		Dest:    n.Extended,
	})
}

// openUpdateForm verifies and decodes an update-form frame with no extra
// field (ACK/UPDATE/UPDATEACK all share this shape), returning the decoded
// frame counter alongside it so the caller can feed it to the sender's
// anti-replay window (§7's Replay category). The frame counter that feeds
// the nonce travels in the frame's own cleartext prefix (§4.1's
// FrameCounterLen field), so the caller here only needs to supply the
// sender address the MAC resolved.
func (e *Engine) openUpdateForm(sender apkesid.Extended, payload []byte, extraLen int, key crypto.Key) (frame.UpdateForm, uint32, error) {
	return frame.OpenUpdateForm(payload, extraLen, e.BroadcastKey != nil, key, sender, e.securityLevel())
}

// Package keepalive implements the periodic UPDATE/UPDATEACK liveness pass
// (component G), grounded on neighbor.c's shall_update()/update_process.
package keepalive

import (
	"context"
	"log/slog"
	"time"

	"github.com/krentzlab/apkes/internal/neighbor"
)

// Sender is the subset of internal/handshake.Engine the loop needs: the
// ability to emit an UPDATE toward a given neighbor handle.
type Sender interface {
	SendUpdate(ctx context.Context, h neighbor.Handle) error
}

// Config bounds the loop per §6: CheckInterval is T_UP_CHECK, UMax is
// U_MAX, UpAckWait is T_UPACK.
type Config struct {
	CheckInterval time.Duration
	UMax          int
	UpAckWait     time.Duration
}

// Loop runs update_process's periodic pass on its own ticking goroutine,
// mirroring PROCESS_WAIT_EVENT_UNTIL(etimer_expired(&retry_timer)): the wait
// between UPDATE retries is a real sleep off anyone else's critical path.
// Every touch of shared neighbor/table state is routed through Dispatch,
// though, so it lands on internal/node's single event-loop goroutine
// alongside frame-in and timer-fire callbacks per §5 — only the sleeping
// itself happens outside that goroutine.
type Loop struct {
	cfg    Config
	table  *neighbor.Table
	sender Sender
	log    *slog.Logger

	// Dispatch, when set, runs fn synchronously on the node's single
	// event-loop goroutine and returns once fn has completed. Nil runs fn
	// inline, which is what package-local tests that drive a Loop without a
	// Node rely on.
	Dispatch func(fn func())
}

// New constructs a Loop.
func New(cfg Config, table *neighbor.Table, sender Sender, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{cfg: cfg, table: table, sender: sender, log: log.With("component", "keepalive")}
}

func (l *Loop) dispatch(fn func()) {
	if l.Dispatch != nil {
		l.Dispatch(fn)
		return
	}
	fn()
}

// Run blocks, executing one pass every CheckInterval until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pass(ctx)
		}
	}
}

// pass implements update_process's inner loop: for every permanent
// neighbor, decide via shallUpdate whether to probe it, retry up to UMax
// times waiting UpAckWait between attempts, and stop early the moment an
// UPDATEACK prolongs the entry (observed as its expiration advancing).
// After the walk, it sweeps expired neighbors exactly like
// delete_expired_neighbors().
func (l *Loop) pass(ctx context.Context) {
	now := time.Now()
	lazyThreshold := l.table.LazyThreshold()

	for _, n := range l.table.All() {
		h := n.Handle()
		var probe bool
		var before int64
		l.dispatch(func() {
			if n.Status != neighbor.StatusPermanent {
				return
			}
			if l.table.Count() <= lazyThreshold {
				l.table.Prolong(now, h)
				return
			}
			if !l.shallUpdate(n, now) {
				return
			}
			probe = true
			before = n.ExpirationUnix
		})
		if !probe {
			continue
		}

		for attempt := 0; attempt < l.cfg.UMax; attempt++ {
			l.dispatch(func() {
				if err := l.sender.SendUpdate(ctx, h); err != nil {
					l.log.Debug("send UPDATE failed", "extended", n.Extended, "err", err)
				}
			})
			if !l.wait(ctx, l.cfg.UpAckWait) {
				return
			}
			var advanced bool
			l.dispatch(func() { advanced = n.ExpirationUnix > before })
			if advanced {
				break
			}
		}
	}

	l.dispatch(func() { l.table.PurgeExpired(time.Now()) })
}

// shallUpdate implements shall_update()'s active-probe gate: skip peers
// already past expiry (the sweep will delete them) and peers whose
// expiry is comfortably far off given the worst-case time this whole pass
// could take.
func (l *Loop) shallUpdate(n *neighbor.Neighbor, now time.Time) bool {
	expiration := time.Unix(n.ExpirationUnix, 0)
	if now.After(expiration) {
		return false
	}
	worstCase := l.cfg.CheckInterval + time.Duration(l.table.Capacity())*l.cfg.UpAckWait*time.Duration(l.cfg.UMax)
	if expiration.Sub(now) > worstCase {
		return false
	}
	return true
}

func (l *Loop) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

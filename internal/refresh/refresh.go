// Package refresh implements the reboot-rekey restore path (component H):
// restoring the neighbor table from persistent storage, rekeying every
// surviving PERMANENT entry, and broadcasting REFRESH M_REFRESH times so
// peers roll their own copy of the key forward too. Grounded on §4.8,
// since the original scheme (apkes.c/neighbor.c) leaves REFRESH as a
// design note rather than a frame this port's persistence model requires.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/frame"
	"github.com/krentzlab/apkes/internal/mac"
	"github.com/krentzlab/apkes/internal/neighbor"
	"github.com/krentzlab/apkes/internal/store"
)

// RefreshBuilder is the subset of internal/handshake.Engine this package
// needs: sealing a REFRESH broadcast under the node's current broadcast
// key and frame counter.
type RefreshBuilder interface {
	BuildRefresh(counter uint32) ([]byte, error)
}

// Config bounds the restore pass per §6: MRefresh is M_REFRESH, TRefresh is
// T_REFRESH, NeighborCapacity sizes the read buffer for the persisted
// neighbor region (DefaultFileLayout's NeighborsSize, typically).
type Config struct {
	MRefresh         int
	TRefresh         time.Duration
	NeighborCapacity int
}

// Manager runs the restore-and-rekey pass once at startup.
type Manager struct {
	cfg     Config
	store   store.Store
	table   *neighbor.Table
	m       mac.MAC
	builder RefreshBuilder
	log     *slog.Logger
}

// New constructs a Manager.
func New(cfg Config, s store.Store, table *neighbor.Table, m mac.MAC, builder RefreshBuilder, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, store: s, table: table, m: m, builder: builder, log: log.With("component", "refresh")}
}

// Bootstrap implements §4.8's initialization sequence: restore from
// storage, delete non-PERMANENT entries (neighbor.Table.Restore already
// does this), reboot-rekey every survivor and reset its anti-replay
// window, then — if the table was non-empty — broadcast REFRESH
// M_REFRESH times with T_REFRESH spacing on its own goroutine, persisting
// and invoking onDone once the last broadcast completes. Returns the
// restored handles immediately so the caller can start the Trickle cycle
// in parallel, per the overview's "H broadcasts REFRESH while F runs the
// HELLO cycle in parallel."
func (m *Manager) Bootstrap(ctx context.Context, onDone func()) ([]neighbor.Handle, error) {
	records, err := store.RestoreNeighbors(m.store, m.cfg.NeighborCapacity)
	if err != nil {
		m.log.Warn("restore neighbors failed, starting with an empty table", "err", err)
		records = nil
	}

	handles := m.table.Restore(records)
	now := time.Now()
	for _, h := range handles {
		n, ok := m.table.Resolve(h)
		if !ok {
			continue
		}
		n.PairwiseKey = crypto.RebootRekey(n.PairwiseKey)
		n.AntiReplay.Reset()
		m.table.Prolong(now, h)
	}

	if len(handles) == 0 {
		if onDone != nil {
			onDone()
		}
		return handles, nil
	}

	go m.broadcastLoop(ctx, onDone)
	return handles, nil
}

func (m *Manager) broadcastLoop(ctx context.Context, onDone func()) {
	for i := 0; i < m.cfg.MRefresh; i++ {
		payload, err := m.builder.BuildRefresh(uint32(i))
		if err != nil {
			m.log.Debug("build REFRESH failed", "err", err)
		} else if err := m.m.Send(ctx, mac.Frame{ID: frame.Refresh, Payload: payload, Broadcast: true}); err != nil {
			m.log.Debug("send REFRESH failed", "err", err)
		}

		if i == m.cfg.MRefresh-1 {
			break
		}
		t := time.NewTimer(m.cfg.TRefresh)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	if err := store.BackupNeighbors(m.store, m.table.Snapshot()); err != nil {
		m.log.Warn("persist neighbors after REFRESH failed", "err", err)
	}
	if onDone != nil {
		onDone()
	}
}

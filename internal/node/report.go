package node

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krentzlab/apkes/internal/monitor"
)

// monitorReporter is an optional client that mirrors a node's neighbor
// table to an ops console (internal/monitor) over a websocket, the
// node-side half of the teacher's agent → controller join/status
// exchange. A node runs with none, one, or an unreachable reporter
// without any change to its protocol behavior — reporting is pure
// observation, never a collaborator the handshake depends on.
type monitorReporter struct {
	url   string
	local Config
	log   *slog.Logger
}

func newMonitorReporter(url string, cfg Config, log *slog.Logger) *monitorReporter {
	if log == nil {
		log = slog.Default()
	}
	return &monitorReporter{url: url, local: cfg, log: log.With("component", "monitor-report")}
}

// Run dials the monitor and pushes a JoinMessage, then a StatusMessage on
// every tick until ctx is cancelled. Connection failures are logged and
// retried; the node's own handshake/keepalive state is never affected by
// the monitor being unreachable.
func (r *monitorReporter) Run(ctx context.Context, snapshot func() []monitor.NeighborSnapshot, period time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := r.connectAndReport(ctx, snapshot, period); err != nil {
			r.log.Debug("monitor connection ended", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (r *monitorReporter) connectAndReport(ctx context.Context, snapshot func() []monitor.NeighborSnapshot, period time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	join := monitor.JoinMessage{
		Type:     monitor.MsgTypeJoin,
		Extended: r.local.Extended,
		Short:    r.local.ShortAddr,
		Platform: "apkes-node",
	}
	if b, err := json.Marshal(join); err == nil {
		conn.WriteMessage(websocket.TextMessage, b)
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status := monitor.StatusMessage{Type: monitor.MsgTypeStatus, Neighbors: snapshot()}
			b, err := json.Marshal(status)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return err
			}
		}
	}
}

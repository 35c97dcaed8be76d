package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// nodeConn represents a node currently connected to the monitor's status
// WebSocket, the monitor's analog of the teacher's controller.AgentConn.
type nodeConn struct {
	extended string
	conn     *websocket.Conn
	lastSeen time.Time
	mu       sync.Mutex
}

func (nc *nodeConn) sendJSON(v interface{}) error {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return nc.conn.WriteJSON(v)
}

// WSHandler accepts node status connections and persists their reported
// neighbor tables.
type WSHandler struct {
	mon   *Monitor
	mu    sync.RWMutex
	nodes map[string]*nodeConn
	log   *slog.Logger
}

func newWSHandler(mon *Monitor, log *slog.Logger) *WSHandler {
	return &WSHandler{
		mon:   mon,
		nodes: make(map[string]*nodeConn),
		log:   log.With("component", "monitor-ws"),
	}
}

// HandleNodeConnect upgrades the request and runs the node's read loop
// until it disconnects.
func (h *WSHandler) HandleNodeConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	nc := &nodeConn{conn: conn, lastSeen: time.Now()}
	defer func() {
		h.mu.Lock()
		if h.nodes[nc.extended] == nc {
			delete(h.nodes, nc.extended)
		}
		h.mu.Unlock()
		conn.Close()
		h.log.Info("node disconnected", "extended", nc.extended)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("node websocket error", "extended", nc.extended, "err", err)
			}
			return
		}
		nc.lastSeen = time.Now()
		h.handleMessage(nc, message)
	}
}

func (h *WSHandler) handleMessage(nc *nodeConn, message []byte) {
	var base Message
	if err := json.Unmarshal(message, &base); err != nil {
		h.log.Debug("unmarshal node message", "err", err)
		return
	}

	switch base.Type {
	case MsgTypeJoin:
		var msg JoinMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		h.handleJoin(nc, &msg)
	case MsgTypeStatus:
		var msg StatusMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		h.handleStatus(nc, &msg)
	default:
		h.log.Debug("unknown message type from node", "type", base.Type)
	}
}

func (h *WSHandler) handleJoin(nc *nodeConn, msg *JoinMessage) {
	nc.extended = msg.Extended
	h.mu.Lock()
	if old, exists := h.nodes[msg.Extended]; exists {
		old.conn.Close()
	}
	h.nodes[msg.Extended] = nc
	h.mu.Unlock()

	node := ObservedNode{
		Extended: msg.Extended,
		Short:    msg.Short,
		Platform: msg.Platform,
		LastSeen: time.Now(),
	}
	h.mon.db.Where("extended = ?", msg.Extended).Assign(node).FirstOrCreate(&node)
	h.log.Info("node joined", "extended", msg.Extended, "short", msg.Short)
}

func (h *WSHandler) handleStatus(nc *nodeConn, msg *StatusMessage) {
	if nc.extended == "" {
		return
	}
	h.mon.db.Model(&ObservedNode{}).Where("extended = ?", nc.extended).Update("last_seen", time.Now())
	if err := replaceNeighbors(h.mon.db, nc.extended, msg.Neighbors, time.Now()); err != nil {
		h.log.Error("persist neighbor snapshot failed", "extended", nc.extended, "err", err)
	}
}

// OnlineNodes returns the set of currently connected node extended
// addresses.
func (h *WSHandler) OnlineNodes() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	online := make(map[string]bool, len(h.nodes))
	for ext := range h.nodes {
		online[ext] = true
	}
	return online
}

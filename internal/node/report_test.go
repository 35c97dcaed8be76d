package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krentzlab/apkes/internal/monitor"
)

func TestMonitorReporterSendsJoinThenStatus(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan monitor.Message, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg monitor.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			received <- msg
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	cfg := twoNodeConfig("0102030405060708", 1)
	reporter := newMonitorReporter(url, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshot := func() []monitor.NeighborSnapshot {
		return []monitor.NeighborSnapshot{{Extended: "aa", Short: 2, Status: "permanent"}}
	}
	go reporter.Run(ctx, snapshot, 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	var sawJoin, sawStatus bool
	for time.Now().Before(deadline) && !(sawJoin && sawStatus) {
		select {
		case msg := <-received:
			switch msg.Type {
			case monitor.MsgTypeJoin:
				sawJoin = true
			case monitor.MsgTypeStatus:
				sawStatus = true
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if !sawJoin {
		t.Fatalf("expected the reporter to send a join message")
	}
	if !sawStatus {
		t.Fatalf("expected the reporter to send at least one status message")
	}
}

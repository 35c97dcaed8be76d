package monitor

import (
	"path/filepath"
	"testing"
	"time"
)

func TestInitDBMigratesAndRoundTripsNeighbors(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "monitor.db")
	db, err := InitDB(dsn)
	if err != nil {
		t.Fatalf("init db: %v", err)
	}

	node := ObservedNode{Extended: "0102030405060708", Short: 7, Platform: "apkes-node", LastSeen: time.Now()}
	if err := db.Create(&node).Error; err != nil {
		t.Fatalf("create node: %v", err)
	}

	snapshots := []NeighborSnapshot{
		{Extended: "0a0b0c0d0e0f1011", Short: 2, LocalIndex: 0, Status: "permanent", ExpirationUnix: 1234},
	}
	if err := replaceNeighbors(db, node.Extended, snapshots, time.Now()); err != nil {
		t.Fatalf("replace neighbors: %v", err)
	}

	var rows []NeighborObservation
	db.Where("node_extended = ?", node.Extended).Find(&rows)
	if len(rows) != 1 || rows[0].PeerExtended != "0a0b0c0d0e0f1011" {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	// A second replace must wipe the first set, not append to it.
	if err := replaceNeighbors(db, node.Extended, nil, time.Now()); err != nil {
		t.Fatalf("replace with empty set: %v", err)
	}
	db.Where("node_extended = ?", node.Extended).Find(&rows)
	if len(rows) != 0 {
		t.Fatalf("expected neighbor rows to be cleared, got %d", len(rows))
	}
}

func TestInitDBRejectsNonSQLiteDSN(t *testing.T) {
	if _, err := InitDB("postgres://localhost/db"); err == nil {
		t.Fatalf("expected an error for an unsupported DSN scheme")
	}
}

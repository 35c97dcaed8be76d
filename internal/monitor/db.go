package monitor

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AdminUser is an operator account for the monitor console, directly
// mirroring the teacher's controller.User model.
type AdminUser struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ObservedNode is the last-known identity of a node that has ever joined
// the monitor, the APKES analog of the teacher's controller.Node.
type ObservedNode struct {
	Extended  string    `gorm:"primarykey" json:"extended"`
	Short     uint16    `json:"short"`
	Platform  string    `json:"platform,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// NeighborObservation is one neighbor-table entry as last reported by a
// node's status message. The table is overwritten per reporting node on
// every StatusMessage, so it always reflects that node's latest snapshot
// rather than an append-only history.
type NeighborObservation struct {
	NodeExtended   string `gorm:"primaryKey" json:"node_extended"`
	PeerExtended   string `gorm:"primaryKey" json:"peer_extended"`
	PeerShort      uint16 `json:"peer_short"`
	LocalIndex     uint8  `json:"local_index"`
	Status         string `json:"status"`
	ExpirationUnix int64  `json:"expiration_unix"`
	ObservedAt     time.Time `json:"observed_at"`
}

// InitDB opens the monitor's database and runs migrations. Only sqlite is
// supported, matching the teacher's MVP scope for its own InitDB.
func InitDB(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&AdminUser{}, &ObservedNode{}, &NeighborObservation{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// replaceNeighbors overwrites every NeighborObservation row for node with
// the freshly reported set, wholesale, the same "overwrite rather than
// diff" policy the neighbor persistence region itself uses for backups.
func replaceNeighbors(db *gorm.DB, nodeExtended string, snapshots []NeighborSnapshot, observedAt time.Time) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("node_extended = ?", nodeExtended).Delete(&NeighborObservation{}).Error; err != nil {
			return err
		}
		for _, s := range snapshots {
			row := NeighborObservation{
				NodeExtended:   nodeExtended,
				PeerExtended:   s.Extended,
				PeerShort:      s.Short,
				LocalIndex:     s.LocalIndex,
				Status:         s.Status,
				ExpirationUnix: s.ExpirationUnix,
				ObservedAt:     observedAt,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

package store

import "github.com/krentzlab/apkes/internal/neighbor"

// BackupNeighbors overwrites the neighbor region wholesale with the given
// records, mirroring apkes_flash_backup_neighbors: erase, then write the
// count-prefixed packed array from offset zero.
func BackupNeighbors(s Store, records []neighbor.Record) error {
	if err := s.Erase(RegionNeighbors); err != nil {
		return err
	}
	return s.WriteAt(RegionNeighbors, 0, EncodeNeighbors(records))
}

// RestoreNeighbors reads back whatever BackupNeighbors last wrote. capacity
// bounds how many bytes are read before decoding (the region's configured
// capacity); callers typically pass a buffer sized from DefaultFileLayout.
func RestoreNeighbors(s Store, capacity int) ([]neighbor.Record, error) {
	buf := make([]byte, capacity)
	n, err := s.ReadAt(RegionNeighbors, 0, buf)
	if err != nil {
		return nil, err
	}
	return DecodeNeighbors(buf[:n])
}

package store

import (
	"path/filepath"
	"testing"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/neighbor"
)

func TestMemoryEraseAppendReadAt(t *testing.T) {
	m := NewMemory()
	if err := m.Append(RegionKeyingMaterial, []byte("abc")); err != nil {
		t.Fatalf("append: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := m.ReadAt(RegionKeyingMaterial, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "abc" {
		t.Fatalf("got %q want %q", buf, "abc")
	}
	if err := m.Erase(RegionKeyingMaterial); err != nil {
		t.Fatalf("erase: %v", err)
	}
	buf2 := make([]byte, 3)
	n, _ := m.ReadAt(RegionKeyingMaterial, 0, buf2)
	if n != 0 {
		t.Fatalf("expected erased region to read back as empty, got %d bytes", n)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.store")
	f, err := OpenFile(path, DefaultFileLayout(4))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if err := f.Append(RegionKeyingMaterial, []byte("seed-and-key")); err != nil {
		t.Fatalf("append: %v", err)
	}
	buf := make([]byte, len("seed-and-key"))
	if _, err := f.ReadAt(RegionKeyingMaterial, 0, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "seed-and-key" {
		t.Fatalf("got %q", buf)
	}

	f2, err := OpenFile(path, DefaultFileLayout(4))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	buf2 := make([]byte, len("seed-and-key"))
	if _, err := f2.ReadAt(RegionKeyingMaterial, 0, buf2); err != nil {
		t.Fatalf("read after reopen: %v", err)
	}
	if string(buf2) != "seed-and-key" {
		t.Fatalf("data did not survive reopen: got %q", buf2)
	}
}

func TestBackupRestoreNeighborsRoundTrip(t *testing.T) {
	s := NewMemory()
	records := []neighbor.Record{
		{Extended: apkesid.ExtendedFromUint64(1), Short: 10, Status: neighbor.StatusPermanent},
		{Extended: apkesid.ExtendedFromUint64(2), Short: 20, Status: neighbor.StatusPermanent},
	}
	if err := BackupNeighbors(s, records); err != nil {
		t.Fatalf("backup: %v", err)
	}
	got, err := RestoreNeighbors(s, 4096)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(got) != 2 || got[0].Short != 10 || got[1].Short != 20 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

package store

import (
	"os"
)

// File is a single-file Store with two fixed-offset, fixed-size regions,
// the closest Go analog to apkes-flash.c's xmem_pwrite/xmem_pread calls
// against fixed APKES_FLASH_KEYING_MATERIAL_OFFSET / APKES_FLASH_NEIGHBORS_OFFSET
// offsets into external flash.
type File struct {
	f       *os.File
	offsets map[Region]int64
	sizes   map[Region]int
	cursor  map[Region]int
}

// FileLayout fixes the byte offset and capacity of each region within the
// backing file.
type FileLayout struct {
	KeyingMaterialOffset int64
	KeyingMaterialSize   int
	NeighborsOffset      int64
	NeighborsSize        int
}

// DefaultFileLayout sizes the keying-material region for a handful of
// preloaded keys/seeds and the neighbor region for N_MAX records at the
// conservative upper bound of an encoded Record (see neighborpersist.go).
func DefaultFileLayout(nMax int) FileLayout {
	const keyingMaterialBytes = 4096
	const maxRecordBytes = 64
	return FileLayout{
		KeyingMaterialOffset: 0,
		KeyingMaterialSize:   keyingMaterialBytes,
		NeighborsOffset:      keyingMaterialBytes,
		NeighborsSize:        4 + nMax*maxRecordBytes,
	}
}

// OpenFile opens (creating if necessary) path as a file-backed Store with
// the given layout.
func OpenFile(path string, layout FileLayout) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	need := layout.NeighborsOffset + int64(layout.NeighborsSize)
	if fi, statErr := f.Stat(); statErr == nil && fi.Size() < need {
		if err := f.Truncate(need); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &File{
		f: f,
		offsets: map[Region]int64{
			RegionKeyingMaterial: layout.KeyingMaterialOffset,
			RegionNeighbors:      layout.NeighborsOffset,
		},
		sizes: map[Region]int{
			RegionKeyingMaterial: layout.KeyingMaterialSize,
			RegionNeighbors:      layout.NeighborsSize,
		},
		cursor: map[Region]int{},
	}, nil
}

func (s *File) Close() error {
	return s.f.Close()
}

func (s *File) Erase(region Region) error {
	size := s.sizes[region]
	zeros := make([]byte, size)
	if _, err := s.f.WriteAt(zeros, s.offsets[region]); err != nil {
		return err
	}
	s.cursor[region] = 0
	return nil
}

func (s *File) Append(region Region, data []byte) error {
	cursor := s.cursor[region]
	if cursor+len(data) > s.sizes[region] {
		return ErrOutOfRange
	}
	if _, err := s.f.WriteAt(data, s.offsets[region]+int64(cursor)); err != nil {
		return err
	}
	s.cursor[region] = cursor + len(data)
	return nil
}

func (s *File) WriteAt(region Region, offset int, data []byte) error {
	if offset+len(data) > s.sizes[region] {
		return ErrOutOfRange
	}
	_, err := s.f.WriteAt(data, s.offsets[region]+int64(offset))
	return err
}

func (s *File) ReadAt(region Region, offset int, dst []byte) (int, error) {
	if offset < 0 || offset > s.sizes[region] {
		return 0, ErrOutOfRange
	}
	n, err := s.f.ReadAt(dst, s.offsets[region]+int64(offset))
	if n > 0 {
		return n, nil
	}
	return n, err
}

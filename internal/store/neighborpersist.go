package store

import (
	"encoding/binary"
	"fmt"

	"github.com/krentzlab/apkes/internal/apkesid"
	"github.com/krentzlab/apkes/internal/crypto"
	"github.com/krentzlab/apkes/internal/neighbor"
)

// recordSize is the fixed encoded length of one neighbor.Record, matching
// the packed layout documented below. Kept in sync with DefaultFileLayout's
// maxRecordBytes budget.
const recordSize = 8 /*extended*/ + 2 /*short*/ + 1 /*local*/ + 1 /*foreign*/ +
	crypto.KeyLen /*pairwise*/ + crypto.KeyLen /*broadcast*/ + 1 /*has-broadcast*/ +
	1 /*status*/ + 8 /*expiration*/

// EncodeNeighbors packs records into the neighbor-region layout described in
// §3: a 4-byte count followed by a packed array of fixed-size records,
// mirroring apkes_flash_backup_neighbors's count-prefixed raw dump.
func EncodeNeighbors(records []neighbor.Record) []byte {
	out := make([]byte, 4+len(records)*recordSize)
	binary.BigEndian.PutUint32(out[:4], uint32(len(records)))
	off := 4
	for _, r := range records {
		encodeRecord(out[off:off+recordSize], r)
		off += recordSize
	}
	return out
}

// DecodeNeighbors unpacks the layout EncodeNeighbors produces.
func DecodeNeighbors(buf []byte) ([]neighbor.Record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("store: neighbor region too short for count header")
	}
	count := int(binary.BigEndian.Uint32(buf[:4]))
	records := make([]neighbor.Record, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+recordSize > len(buf) {
			return nil, fmt.Errorf("store: neighbor region truncated at record %d", i)
		}
		records = append(records, decodeRecord(buf[off:off+recordSize]))
		off += recordSize
	}
	return records, nil
}

func encodeRecord(b []byte, r neighbor.Record) {
	copy(b[0:8], r.Extended[:])
	short := r.Short.Bytes()
	copy(b[8:10], short[:])
	b[10] = r.LocalIndex
	b[11] = r.ForeignIndex
	off := 12
	copy(b[off:off+crypto.KeyLen], r.PairwiseKey[:])
	off += crypto.KeyLen
	copy(b[off:off+crypto.KeyLen], r.BroadcastKey[:])
	off += crypto.KeyLen
	if r.HasBroadcastKey {
		b[off] = 1
	}
	off++
	b[off] = byte(r.Status)
	off++
	binary.BigEndian.PutUint64(b[off:off+8], uint64(r.ExpirationUnix))
}

func decodeRecord(b []byte) neighbor.Record {
	var r neighbor.Record
	copy(r.Extended[:], b[0:8])
	r.Short = apkesid.ShortFromBytes(b[8:10])
	r.LocalIndex = b[10]
	r.ForeignIndex = b[11]
	off := 12
	copy(r.PairwiseKey[:], b[off:off+crypto.KeyLen])
	off += crypto.KeyLen
	copy(r.BroadcastKey[:], b[off:off+crypto.KeyLen])
	off += crypto.KeyLen
	r.HasBroadcastKey = b[off] == 1
	off++
	r.Status = neighbor.Status(b[off])
	off++
	r.ExpirationUnix = int64(binary.BigEndian.Uint64(b[off : off+8]))
	return r
}

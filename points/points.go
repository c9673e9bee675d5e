package points

import (
	"encoding/binary"
)

/*
A historian point is a six field measurement sample

┌──────────────────────────────────────────────────────────────┐
| Timestamp (8 byte) | PointID (8 byte) | EntryNumber (8 byte) |
|──────────────────────────key──────────────────────────────────|
| Value1 (8 byte)    | Value2 (8 byte)  | Value3 (8 byte)      |
|──────────────────────────value────────────────────────────────|
└──────────────────────────────────────────────────────────────┘

Keys order by (Timestamp, PointID, EntryNumber). EntryNumber
disambiguates multiple samples sharing a timestamp and point id.
*/

const KeySize = 24
const ValueSize = 24

type Key struct {
	Timestamp   uint64
	PointID     uint64
	EntryNumber uint64
}

type Value struct {
	Value1 uint64
	Value2 uint64
	Value3 uint64
}

func (k *Key) Write(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], k.Timestamp)
	binary.LittleEndian.PutUint64(dst[8:16], k.PointID)
	binary.LittleEndian.PutUint64(dst[16:24], k.EntryNumber)
}

func (k *Key) Read(src []byte) {
	k.Timestamp = binary.LittleEndian.Uint64(src[0:8])
	k.PointID = binary.LittleEndian.Uint64(src[8:16])
	k.EntryNumber = binary.LittleEndian.Uint64(src[16:24])
}

func (k *Key) IsLessThanOrEqualTo(other *Key) bool {
	if k.Timestamp != other.Timestamp {
		return k.Timestamp < other.Timestamp
	}
	if k.PointID != other.PointID {
		return k.PointID < other.PointID
	}
	return k.EntryNumber <= other.EntryNumber
}

func (v *Value) Write(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], v.Value1)
	binary.LittleEndian.PutUint64(dst[8:16], v.Value2)
	binary.LittleEndian.PutUint64(dst[16:24], v.Value3)
}

func (v *Value) Read(src []byte) {
	v.Value1 = binary.LittleEndian.Uint64(src[0:8])
	v.Value2 = binary.LittleEndian.Uint64(src[8:16])
	v.Value3 = binary.LittleEndian.Uint64(src[16:24])
}

// KeyLessThanOrEqual compares two serialized keys without decoding
// them into Key structs. Containers holding keys as raw bytes use
// this on their sort path.
func KeyLessThanOrEqual(a []byte, b []byte) bool {
	at := binary.LittleEndian.Uint64(a[0:8])
	bt := binary.LittleEndian.Uint64(b[0:8])
	if at != bt {
		return at < bt
	}
	ap := binary.LittleEndian.Uint64(a[8:16])
	bp := binary.LittleEndian.Uint64(b[8:16])
	if ap != bp {
		return ap < bp
	}
	return binary.LittleEndian.Uint64(a[16:24]) <= binary.LittleEndian.Uint64(b[16:24])
}

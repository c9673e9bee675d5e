package codec

import (
	"github.com/Dicondur/openHistorian/points"
)

/*
Leaf records are stored XOR folded against the previous record

┌──────────────────────────────────────────────────────────────┐
| ts ^ prevTs | id ^ prevId | entry ^ prevEntry                |
| v1 ^ prevV1 | v2 ^ prevV2 | v3 ^ prevV3                      |
|──────────────each field a 7 bit varint────────────────────────|
└──────────────────────────────────────────────────────────────┘

The six running registers start at zero on every block boundary, so a
reader must enter at the start of a block and decode sequentially.
Monotonic fields fold down to one or two bytes per record.
*/

type PointCodec struct {
	prevTimestamp   uint64
	prevPointID     uint64
	prevEntryNumber uint64
	prevValue1      uint64
	prevValue2      uint64
	prevValue3      uint64
}

func NewPointCodec() *PointCodec {
	return &PointCodec{}
}

// Reset clears the running registers. Call at every block boundary on
// both the encode and the decode side.
func (c *PointCodec) Reset() {
	c.prevTimestamp = 0
	c.prevPointID = 0
	c.prevEntryNumber = 0
	c.prevValue1 = 0
	c.prevValue2 = 0
	c.prevValue3 = 0
}

// Encode appends one record at offset and returns the new offset. dst
// must have room for the worst case of six ten byte varints.
func (c *PointCodec) Encode(dst []byte, offset int, key *points.Key, value *points.Value) int {
	offset = Write7Bit(dst, offset, key.Timestamp^c.prevTimestamp)
	offset = Write7Bit(dst, offset, key.PointID^c.prevPointID)
	offset = Write7Bit(dst, offset, key.EntryNumber^c.prevEntryNumber)
	offset = Write7Bit(dst, offset, value.Value1^c.prevValue1)
	offset = Write7Bit(dst, offset, value.Value2^c.prevValue2)
	offset = Write7Bit(dst, offset, value.Value3^c.prevValue3)

	c.prevTimestamp = key.Timestamp
	c.prevPointID = key.PointID
	c.prevEntryNumber = key.EntryNumber
	c.prevValue1 = value.Value1
	c.prevValue2 = value.Value2
	c.prevValue3 = value.Value3
	return offset
}

// Decode reads one record at offset into key and value and returns the
// new offset. This is the hot path of a range scan so the registers
// double as the output assignment.
func (c *PointCodec) Decode(src []byte, offset int, key *points.Key, value *points.Value) int {
	var delta uint64

	delta, offset = Read7Bit(src, offset)
	c.prevTimestamp ^= delta
	delta, offset = Read7Bit(src, offset)
	c.prevPointID ^= delta
	delta, offset = Read7Bit(src, offset)
	c.prevEntryNumber ^= delta
	delta, offset = Read7Bit(src, offset)
	c.prevValue1 ^= delta
	delta, offset = Read7Bit(src, offset)
	c.prevValue2 ^= delta
	delta, offset = Read7Bit(src, offset)
	c.prevValue3 ^= delta

	key.Timestamp = c.prevTimestamp
	key.PointID = c.prevPointID
	key.EntryNumber = c.prevEntryNumber
	value.Value1 = c.prevValue1
	value.Value2 = c.prevValue2
	value.Value3 = c.prevValue3
	return offset
}

// MaxRecordSize is the worst case encoded size of a single record.
const MaxRecordSize = 6 * 10

package checksums

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
)

func CalculateCRC(checkSumLocation []byte, buffer []byte) {
	chksum1 := crc32.ChecksumIEEE(buffer)
	binary.BigEndian.PutUint32(checkSumLocation, chksum1)
}

func CompareCRC(buffer1 []byte, buffer2 []byte) bool {
	if buffer1[0] != buffer2[0] || buffer1[1] != buffer2[1] || buffer1[2] != buffer2[2] || buffer1[3] != buffer2[3] {
		return false
	}
	return true
}

// PutDigest stamps a 64 bit content hash of buffer at digestLocation.
// The archive header blocks use this instead of a 32 bit CRC since the
// digest arbitrates between redundant copies after a torn write.
func PutDigest(digestLocation []byte, buffer []byte) {
	binary.BigEndian.PutUint64(digestLocation, xxhash.Sum64(buffer))
}

func VerifyDigest(digestLocation []byte, buffer []byte) bool {
	return binary.BigEndian.Uint64(digestLocation) == xxhash.Sum64(buffer)
}

package archive

import (
	"github.com/Dicondur/openHistorian/utils/checksums"
)

// VerifyBlock checks the crc32 footer in the last four bytes of one
// committed block. Only meaningful for archives created with
// ChecksumBlocks; without the flag the footer bytes belong to the
// block payload.
func VerifyBlock(block []byte) bool {
	footer := make([]byte, 4)
	checksums.CalculateCRC(footer, block[:len(block)-4])
	return checksums.CompareCRC(footer, block[len(block)-4:])
}

package archive

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/pkg/errors"

	"github.com/Dicondur/openHistorian/fileio"
	"github.com/Dicondur/openHistorian/utils/checksums"
)

/*
Header block, repeated headerBlockCount times at the front of the file

┌──────────────────────────────────────────────────────────────┐
| magic (8 byte) | version (2 byte) | blockSize (4 byte)       |
| lastAllocatedBlock (8 byte) | snapshotSequence (8 byte)      |
| archiveID (16 byte) | flags (4 byte)                         |
|──────────────────opaque metadata region───────────────────────|
| ......                                                       |
| digest (8 byte, last bytes of the block)                     |
└──────────────────────────────────────────────────────────────┘

Copies A and B live at blocks 0 and 1 and are rewritten on every
commit. Blocks 2..9 hold the rotating copies; each commit rewrites the
one selected by snapshotSequence mod 8, so a torn write can clobber at
most one of the three targets of any single commit.
*/

const headerMagic = "OHARCHV1"
const headerVersion = 1
const headerBlockCount = 10
const rotatingSlotCount = headerBlockCount - 2

const (
	flagChecksumBlocks = 1 << 0
)

type Header struct {
	Version            uint16
	BlockSize          uint32
	LastAllocatedBlock uint64
	SnapshotSequence   uint64
	ArchiveID          uuid.UUID
	Flags              uint32
}

func newHeader(blockSize uint32, checksumBlocks bool) *Header {
	var flags uint32
	if checksumBlocks {
		flags |= flagChecksumBlocks
	}
	return &Header{
		Version:            headerVersion,
		BlockSize:          blockSize,
		LastAllocatedBlock: headerBlockCount - 1,
		SnapshotSequence:   0,
		ArchiveID:          uuid.New(),
		Flags:              flags,
	}
}

// EndOfHeader is the first data byte position.
func (h *Header) EndOfHeader() uint64 {
	return headerBlockCount * uint64(h.BlockSize)
}

// EndOfCommitted is the durable high water mark recorded by the
// header.
func (h *Header) EndOfCommitted() uint64 {
	return (h.LastAllocatedBlock + 1) * uint64(h.BlockSize)
}

// RotatingSlot is the block index of the third header copy written by
// the commit carrying this snapshot sequence.
func (h *Header) RotatingSlot() uint64 {
	return 2 + h.SnapshotSequence%rotatingSlotCount
}

func (h *Header) ChecksumBlocks() bool {
	return h.Flags&flagChecksumBlocks != 0
}

func (h *Header) serialize(buffer []byte) {
	for i := range buffer {
		buffer[i] = 0
	}
	copy(buffer[0:8], headerMagic)
	binary.BigEndian.PutUint16(buffer[8:10], h.Version)
	binary.BigEndian.PutUint32(buffer[10:14], h.BlockSize)
	binary.BigEndian.PutUint64(buffer[14:22], h.LastAllocatedBlock)
	binary.BigEndian.PutUint64(buffer[22:30], h.SnapshotSequence)
	copy(buffer[30:46], h.ArchiveID[:])
	binary.BigEndian.PutUint32(buffer[46:50], h.Flags)
	checksums.PutDigest(buffer[len(buffer)-8:], buffer[:len(buffer)-8])
}

func deserializeHeader(buffer []byte) (*Header, error) {
	if string(buffer[0:8]) != headerMagic {
		return nil, errors.New("header magic mismatch")
	}
	if !checksums.VerifyDigest(buffer[len(buffer)-8:], buffer[:len(buffer)-8]) {
		return nil, errors.New("header digest mismatch")
	}
	header := &Header{
		Version:            binary.BigEndian.Uint16(buffer[8:10]),
		BlockSize:          binary.BigEndian.Uint32(buffer[10:14]),
		LastAllocatedBlock: binary.BigEndian.Uint64(buffer[14:22]),
		SnapshotSequence:   binary.BigEndian.Uint64(buffer[22:30]),
		Flags:              binary.BigEndian.Uint32(buffer[46:50]),
	}
	copy(header.ArchiveID[:], buffer[30:46])
	if header.BlockSize != uint32(len(buffer)) {
		return nil, errors.Errorf("header block size %d does not match layout block size %d", header.BlockSize, len(buffer))
	}
	return header, nil
}

// recoverHeader scans the redundant copies and adopts the valid one
// with the highest snapshot sequence. Copy A is preferred only by scan
// order; a stale A never outranks a newer rotating copy.
func recoverHeader(logger log.Logger, queue *fileio.IoQueue, blockSize uint32) (*Header, error) {
	buffer := make([]byte, blockSize)
	var best *Header

	for slot := 0; slot < headerBlockCount; slot++ {
		if err := queue.ReadPage(int64(slot)*int64(blockSize), buffer); err != nil {
			return nil, err
		}
		header, err := deserializeHeader(buffer)
		if err != nil {
			logger.Debug().Msgf("header copy %d rejected: %s", slot, err.Error())
			continue
		}
		if best == nil || header.SnapshotSequence > best.SnapshotSequence {
			best = header
		}
	}

	if best == nil {
		logger.Error().Msgf("all %d header copies rejected", headerBlockCount)
		return nil, ErrNoValidHeader
	}
	return best, nil
}

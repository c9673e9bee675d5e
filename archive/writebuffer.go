package archive

import (
	"github.com/Dicondur/openHistorian/fileio"
	"github.com/Dicondur/openHistorian/pool"
	"github.com/Dicondur/openHistorian/utils/checksums"
)

/*
writeBuffer holds the uncommitted tail of the file in pool pages.

Pages are addressed by logical file position starting at base, which
is the committed high water mark at open time. A page materializes
zero filled on first touch; a slot that was never touched reads back
as zeros. Commits stream a prefix of the buffer to disk; afterwards
every fully drained page returns to the pool and base advances past
it, while the page straddling the committed mark stays resident for
the next boundary repair and drain. The remaining pages return to the
pool when the file is disposed or the pending tail is discarded.
*/

type bufferPage struct {
	poolIndex int
	buffer    []byte
}

type writeBuffer struct {
	pool     *pool.MemoryPool
	pageSize uint64
	base     uint64
	pages    []*bufferPage
}

func newWriteBuffer(memoryPool *pool.MemoryPool, base uint64) *writeBuffer {
	return &writeBuffer{
		pool:     memoryPool,
		pageSize: uint64(memoryPool.PageSize()),
		base:     base,
	}
}

func (w *writeBuffer) pageIndex(position uint64) int {
	return int((position - w.base) / w.pageSize)
}

func (w *writeBuffer) pageStart(index int) uint64 {
	return w.base + uint64(index)*w.pageSize
}

// page returns the buffer page covering position, materializing it
// and any gap pages before it on first touch.
func (w *writeBuffer) page(position uint64) (*bufferPage, uint64, error) {
	index := w.pageIndex(position)
	for len(w.pages) <= index {
		w.pages = append(w.pages, nil)
	}
	if w.pages[index] == nil {
		poolIndex, buffer, err := w.pool.AllocatePage()
		if err != nil {
			return nil, 0, err
		}
		w.pages[index] = &bufferPage{poolIndex: poolIndex, buffer: buffer}
	}
	return w.pages[index], w.pageStart(index), nil
}

// extent is the logical end of the touched tail.
func (w *writeBuffer) extent() uint64 {
	return w.base + uint64(len(w.pages))*w.pageSize
}

// copyRange copies buffered bytes for [position, position+len(dst))
// into dst. Untouched slots read as zeros.
func (w *writeBuffer) copyRange(dst []byte, position uint64) {
	for copied := 0; copied < len(dst); {
		index := w.pageIndex(position)
		offset := position - w.pageStart(index)
		chunk := int(w.pageSize - offset)
		if remaining := len(dst) - copied; chunk > remaining {
			chunk = remaining
		}
		if index < len(w.pages) && w.pages[index] != nil {
			copy(dst[copied:copied+chunk], w.pages[index].buffer[offset:])
		} else {
			for i := copied; i < copied+chunk; i++ {
				dst[i] = 0
			}
		}
		copied += chunk
		position += uint64(chunk)
	}
}

// stampFooters writes a crc32 footer into the last four bytes of each
// block in [from, to). Both bounds must be block aligned; blocks never
// straddle buffer pages since base is block aligned and the pool page
// size is a multiple of the block size.
func (w *writeBuffer) stampFooters(from uint64, to uint64, blockSize uint32) error {
	for position := from; position < to; position += uint64(blockSize) {
		index := w.pageIndex(position)
		for len(w.pages) <= index {
			w.pages = append(w.pages, nil)
		}
		if w.pages[index] == nil {
			// an untouched block of zeros still gets a valid footer
			poolIndex, buffer, err := w.pool.AllocatePage()
			if err != nil {
				return err
			}
			w.pages[index] = &bufferPage{poolIndex: poolIndex, buffer: buffer}
		}
		offset := position - w.pageStart(index)
		block := w.pages[index].buffer[offset : offset+uint64(blockSize)]
		checksums.CalculateCRC(block[blockSize-4:], block[:blockSize-4])
	}
	return nil
}

// drainTo streams [from, to) to disk with sequential positioned
// writes, one buffer page sized chunk at a time.
func (w *writeBuffer) drainTo(queue *fileio.IoQueue, from uint64, to uint64) error {
	chunk := make([]byte, w.pageSize)
	for position := from; position < to; {
		size := w.pageSize - (position-w.base)%w.pageSize
		if remaining := to - position; size > remaining {
			size = remaining
		}
		w.copyRange(chunk[:size], position)
		if err := queue.Write(int64(position), chunk[:size]); err != nil {
			return err
		}
		position += size
	}
	return nil
}

// releaseCommitted returns every page that now lies entirely below
// the committed mark to the pool and advances base past them. The
// page straddling the mark stays resident: the next commit's boundary
// repair and drain still read from it. Durable bytes are served by
// the page cache from here on, so keeping them buffered would only
// pin pool pages until the file is disposed.
func (w *writeBuffer) releaseCommitted(upTo uint64) {
	drop := 0
	for drop < len(w.pages) && w.pageStart(drop)+w.pageSize <= upTo {
		if w.pages[drop] != nil {
			w.pool.ReleasePage(w.pages[drop].poolIndex)
			w.pages[drop] = nil
		}
		drop++
	}
	if drop > 0 {
		w.pages = w.pages[drop:]
		w.base += uint64(drop) * w.pageSize
	}
}

// discard releases every pending page back to the pool.
func (w *writeBuffer) discard() {
	for index, page := range w.pages {
		if page != nil {
			w.pool.ReleasePage(page.poolIndex)
			w.pages[index] = nil
		}
	}
	w.pages = w.pages[:0]
}

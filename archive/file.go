package archive

import (
	"sync"

	"github.com/phuslu/log"
	"github.com/pkg/errors"

	"github.com/Dicondur/openHistorian/fileio"
	"github.com/Dicondur/openHistorian/pool"
)

/*
File is the buffered archive file: one logical byte addressable space
assembled from three regions

┌──────────────────────────────────────────────────────────────┐
| header copies, blocks 0..9                                   |
|─────────────────────endOfHeader───────────────────────────────|
| committed data, durable and immutable, served from the cache |
|─────────────────────endOfCommitted────────────────────────────|
| uncommitted tail, pool backed write buffer in memory         |
└──────────────────────────────────────────────────────────────┘

Many sessions may read concurrently; one logical writer owns the
tail. A commit streams the tail to disk, rewrites three header copies
and advances endOfCommitted atomically under the cache mutex.
*/

type FileOptions struct {
	BlockSize uint32
	ReadOnly  bool
	// ChecksumBlocks stamps a crc32 footer into the last four bytes of
	// every committed block. The tree layer above owns the block
	// payload, so footers are off unless the archive was created with
	// them.
	ChecksumBlocks bool
}

type File struct {
	logger  log.Logger
	options FileOptions

	pool  *pool.MemoryPool
	queue *fileio.IoQueue
	cache *PageCache
	tail  *writeBuffer

	header         *Header
	endOfHeader    uint64
	endOfCommitted uint64
	pageMask       uint64

	// syncRoot serializes the page map, lock bookkeeping, the
	// disposed flag and the commit boundary repair. syncFlush keeps
	// at most one commit in flight.
	syncRoot  sync.Mutex
	syncFlush sync.Mutex

	collectionID int
	disposed     bool
}

// Block is one contiguous range returned by GetBlock. Data starts at
// FirstPosition; the byte for the requested position sits at
// Data[position-FirstPosition]. The slice borrows cache or buffer
// memory and is valid only until the session's next GetBlock.
type Block struct {
	Data          []byte
	FirstPosition uint64
	Writable      bool
}

// IoSession issues block lookups against the file through a private
// page lock, so each session pins at most one cached page at a time.
type IoSession struct {
	file *File
	lock *PageLock
}

func validateOptions(memoryPool *pool.MemoryPool, options *FileOptions) error {
	if options.BlockSize == 0 {
		options.BlockSize = 4096
	}
	blockSize := options.BlockSize
	if blockSize&(blockSize-1) != 0 {
		return errors.Errorf("block size %d is not a power of two", blockSize)
	}
	if memoryPool.PageSize()%blockSize != 0 {
		return errors.Errorf("pool page size %d is not a multiple of block size %d", memoryPool.PageSize(), blockSize)
	}
	return nil
}

// Create initializes a fresh archive: a new header written to all ten
// copies, an empty committed region and an empty tail.
func Create(logger log.Logger, memoryPool *pool.MemoryPool, path string, options FileOptions) (*File, error) {
	if err := validateOptions(memoryPool, &options); err != nil {
		return nil, err
	}
	if options.ReadOnly {
		return nil, errors.New("cannot create a read only archive")
	}

	queue, err := fileio.OpenFile(logger, path, true, false)
	if err != nil {
		return nil, err
	}

	header := newHeader(options.BlockSize, options.ChecksumBlocks)
	buffer := make([]byte, options.BlockSize)
	header.serialize(buffer)
	for slot := 0; slot < headerBlockCount; slot++ {
		if err := queue.Write(int64(slot)*int64(options.BlockSize), buffer); err != nil {
			queue.Close()
			return nil, err
		}
	}
	if err := queue.Flush(); err != nil {
		queue.Close()
		return nil, err
	}

	logger.Info().Msgf("created archive %s id=%s blockSize=%d", path, header.ArchiveID, options.BlockSize)
	return assemble(logger, memoryPool, queue, header, options), nil
}

// Open recovers an existing archive from its redundant header copies.
func Open(logger log.Logger, memoryPool *pool.MemoryPool, path string, options FileOptions) (*File, error) {
	if err := validateOptions(memoryPool, &options); err != nil {
		return nil, err
	}

	queue, err := fileio.OpenFile(logger, path, false, options.ReadOnly)
	if err != nil {
		return nil, err
	}

	header, err := recoverHeader(logger, queue, options.BlockSize)
	if err != nil {
		queue.Close()
		return nil, err
	}
	options.ChecksumBlocks = header.ChecksumBlocks()

	logger.Info().Msgf("opened archive %s id=%s snapshot=%d committed=%d",
		path, header.ArchiveID, header.SnapshotSequence, header.EndOfCommitted())
	return assemble(logger, memoryPool, queue, header, options), nil
}

func assemble(logger log.Logger, memoryPool *pool.MemoryPool, queue *fileio.IoQueue, header *Header, options FileOptions) *File {
	file := &File{
		logger:         logger,
		options:        options,
		pool:           memoryPool,
		queue:          queue,
		cache:          NewPageCache(memoryPool),
		header:         header,
		endOfHeader:    header.EndOfHeader(),
		endOfCommitted: header.EndOfCommitted(),
		pageMask:       uint64(memoryPool.PageSize()) - 1,
	}
	file.tail = newWriteBuffer(memoryPool, file.endOfCommitted)
	file.collectionID = memoryPool.RegisterCollection(file.onCollection)
	return file
}

// onCollection runs on the pool's allocating goroutine. A disposed
// file returns silently; collection callbacks never raise.
func (f *File) onCollection(event pool.CollectionEvent) {
	f.syncRoot.Lock()
	defer f.syncRoot.Unlock()
	if f.disposed {
		return
	}
	evicted := f.cache.DoCollection(event.Mode)
	f.logger.Debug().Msgf("collection severity=%s evicted=%d resident=%d", event.Mode, evicted, f.cache.Count())
}

func (f *File) Header() Header {
	f.syncRoot.Lock()
	defer f.syncRoot.Unlock()
	return *f.header
}

func (f *File) IsReadOnly() bool {
	return f.options.ReadOnly
}

// Length is the logical file size: the committed region plus any
// touched tail pages beyond it.
func (f *File) Length() uint64 {
	f.syncRoot.Lock()
	defer f.syncRoot.Unlock()
	if extent := f.tail.extent(); extent > f.endOfCommitted {
		return extent
	}
	return f.endOfCommitted
}

func (f *File) NewIoSession() (*IoSession, error) {
	f.syncRoot.Lock()
	defer f.syncRoot.Unlock()
	if f.disposed {
		return nil, ErrDisposed
	}
	return &IoSession{
		file: f,
		lock: f.cache.GetPageLock(),
	}, nil
}

func (s *IoSession) Close() {
	s.file.syncRoot.Lock()
	defer s.file.syncRoot.Unlock()
	if s.lock != nil {
		s.file.cache.ReleaseLock(s.lock)
		s.lock = nil
	}
}

// GetBlock resolves position to a contiguous memory range.
//
// Positions below endOfHeader fail: the header moves only through the
// commit path. Positions at or past endOfCommitted resolve into the
// write buffer and come back writable. Everything else is committed
// space, served read only out of the page cache with the range
// clipped so it never crosses into uncommitted territory.
func (s *IoSession) GetBlock(position uint64, isWriting bool) (Block, error) {
	f := s.file

	f.syncRoot.Lock()
	if f.disposed {
		f.syncRoot.Unlock()
		return Block{}, ErrDisposed
	}
	if position < f.endOfHeader {
		f.syncRoot.Unlock()
		return Block{}, ErrInvalidPosition
	}
	endOfCommitted := f.endOfCommitted

	if position >= endOfCommitted {
		f.syncRoot.Unlock()
		return s.tailBlock(position, endOfCommitted)
	}

	if isWriting {
		f.syncRoot.Unlock()
		return Block{}, ErrWriteToCommittedSpace
	}

	relative := position - f.endOfHeader
	pagePosition := relative &^ f.pageMask
	buffer, ok := f.cache.TryGetSubPage(s.lock, pagePosition)
	f.syncRoot.Unlock()

	if !ok {
		var err error
		buffer, err = f.readMiss(s.lock, pagePosition, endOfCommitted)
		if err != nil {
			return Block{}, err
		}
	}

	firstPosition := f.endOfHeader + pagePosition
	length := uint64(len(buffer))
	if firstPosition+length > endOfCommitted {
		length = endOfCommitted - firstPosition
	}
	return Block{
		Data:          buffer[:length],
		FirstPosition: firstPosition,
		Writable:      false,
	}, nil
}

// tailBlock serves a position from the write buffer. The page is
// allocated outside syncRoot like the miss path, so pool pressure
// callbacks can take the mutex.
func (s *IoSession) tailBlock(position uint64, endOfCommitted uint64) (Block, error) {
	f := s.file
	if f.options.ReadOnly {
		return Block{}, ErrReadOnly
	}

	f.syncFlush.Lock()
	page, pageStart, err := f.tail.page(position)
	f.syncFlush.Unlock()
	if err != nil {
		return Block{}, err
	}

	// clip the exposed range so no committed byte comes back writable
	firstPosition := pageStart
	offset := uint64(0)
	if firstPosition < endOfCommitted {
		offset = endOfCommitted - pageStart
		firstPosition = endOfCommitted
	}
	return Block{
		Data:          page.buffer[offset:],
		FirstPosition: firstPosition,
		Writable:      true,
	}, nil
}

// readMiss loads a page from disk. The read happens with no lock
// held; the insert reacquires the mutex and the loser of a concurrent
// miss hands its page straight back to the pool.
func (f *File) readMiss(lock *PageLock, pagePosition uint64, endOfCommitted uint64) ([]byte, error) {
	poolIndex, memory, err := f.pool.AllocatePage()
	if err != nil {
		return nil, err
	}

	if err := f.queue.ReadPage(int64(f.endOfHeader+pagePosition), memory); err != nil {
		f.pool.ReleasePage(poolIndex)
		return nil, err
	}

	if f.options.ChecksumBlocks {
		if err := f.verifyPage(memory, pagePosition, endOfCommitted); err != nil {
			f.pool.ReleasePage(poolIndex)
			return nil, err
		}
	}

	f.syncRoot.Lock()
	if f.disposed {
		f.syncRoot.Unlock()
		f.pool.ReleasePage(poolIndex)
		return nil, ErrDisposed
	}
	buffer, wasAdded := f.cache.AddOrGetPage(lock, pagePosition, memory, poolIndex)
	f.syncRoot.Unlock()

	if !wasAdded {
		f.pool.ReleasePage(poolIndex)
	}
	return buffer, nil
}

// verifyPage checks the footer of every block in a freshly read page
// that lies entirely inside committed space. Blocks past the
// committed mark are undefined on disk and are skipped.
func (f *File) verifyPage(memory []byte, pagePosition uint64, endOfCommitted uint64) error {
	blockSize := uint64(f.options.BlockSize)
	pageStart := f.endOfHeader + pagePosition
	for offset := uint64(0); offset+blockSize <= uint64(len(memory)); offset += blockSize {
		if pageStart+offset+blockSize > endOfCommitted {
			break
		}
		if !VerifyBlock(memory[offset : offset+blockSize]) {
			f.logger.Error().Msgf("block footer mismatch at %d", pageStart+offset)
			return errors.Errorf("block footer mismatch at %d", pageStart+offset)
		}
	}
	return nil
}

// FlushWithHeader commits the tail through lastAllocatedBlock.
//
// The tail bytes stream to disk first, then the header goes to copies
// A, B and the rotating slot picked by the new snapshot sequence, then
// one fsync covers both. Only after durability does endOfCommitted
// advance, and the page straddling the old boundary is patched from
// the buffer under the cache mutex so readers that kept it cached see
// the committed bytes.
func (f *File) FlushWithHeader(lastAllocatedBlock uint64) error {
	f.syncFlush.Lock()
	defer f.syncFlush.Unlock()

	f.syncRoot.Lock()
	if f.disposed {
		f.syncRoot.Unlock()
		return ErrDisposed
	}
	oldEndOfCommitted := f.endOfCommitted
	f.syncRoot.Unlock()

	if f.options.ReadOnly {
		return ErrReadOnly
	}

	blockSize := uint64(f.options.BlockSize)
	newEndOfCommitted := (lastAllocatedBlock + 1) * blockSize
	if newEndOfCommitted < oldEndOfCommitted {
		return errors.Errorf("last allocated block %d is below the committed high water mark", lastAllocatedBlock)
	}

	if f.options.ChecksumBlocks {
		if err := f.tail.stampFooters(oldEndOfCommitted, newEndOfCommitted, f.options.BlockSize); err != nil {
			return err
		}
	}
	if err := f.tail.drainTo(f.queue, oldEndOfCommitted, newEndOfCommitted); err != nil {
		return err
	}

	f.header.LastAllocatedBlock = lastAllocatedBlock
	f.header.SnapshotSequence++
	headerBuffer := make([]byte, blockSize)
	f.header.serialize(headerBuffer)
	for _, slot := range []uint64{0, 1, f.header.RotatingSlot()} {
		if err := f.queue.Write(int64(slot*blockSize), headerBuffer); err != nil {
			return err
		}
	}
	if err := f.queue.Flush(); err != nil {
		return err
	}

	f.syncRoot.Lock()
	f.endOfCommitted = newEndOfCommitted
	f.repairBoundaryPage(oldEndOfCommitted, newEndOfCommitted)
	f.syncRoot.Unlock()

	// everything below the new mark is durable and cache served now
	f.tail.releaseCommitted(newEndOfCommitted)

	f.logger.Debug().Msgf("committed through block %d snapshot=%d committed=%d",
		lastAllocatedBlock, f.header.SnapshotSequence, newEndOfCommitted)
	return nil
}

// repairBoundaryPage patches the cached page that straddles the old
// commit boundary. Its prefix below the boundary was read from disk
// while its tail was still undefined; the write buffer holds the
// authoritative bytes for that tail now that it is committed. A page
// that is not resident needs no repair, it will be read fresh.
// Callers hold syncRoot.
func (f *File) repairBoundaryPage(oldEndOfCommitted uint64, newEndOfCommitted uint64) {
	relative := oldEndOfCommitted - f.endOfHeader
	pagePosition := relative &^ f.pageMask
	pageStart := f.endOfHeader + pagePosition
	if pageStart == oldEndOfCommitted {
		// boundary fell on a page edge, nothing stale can be resident
		return
	}

	buffer, ok := f.cache.TryGetSubPageNoLock(pagePosition)
	if !ok {
		return
	}

	repairEnd := pageStart + uint64(len(buffer))
	if repairEnd > newEndOfCommitted {
		repairEnd = newEndOfCommitted
	}
	f.tail.copyRange(buffer[oldEndOfCommitted-pageStart:repairEnd-pageStart], oldEndOfCommitted)
}

// DiscardPending drops the uncommitted tail: every pending buffer
// page returns to the pool and the logical length falls back to
// endOfCommitted. Committed state is never touched.
func (f *File) DiscardPending() error {
	f.syncFlush.Lock()
	defer f.syncFlush.Unlock()

	f.syncRoot.Lock()
	disposed := f.disposed
	endOfCommitted := f.endOfCommitted
	f.syncRoot.Unlock()
	if disposed {
		return ErrDisposed
	}

	f.tail.discard()
	f.tail.base = endOfCommitted
	return nil
}

// Dispose unregisters from the pool, releases every cached and
// pending page and closes the underlying file. Double dispose is a
// no-op; concurrent block requests observe the disposed state and
// fail.
func (f *File) Dispose() {
	f.syncRoot.Lock()
	if f.disposed {
		f.syncRoot.Unlock()
		return
	}
	f.disposed = true
	f.cache.ReleaseAll()
	f.tail.discard()
	f.syncRoot.Unlock()

	f.pool.UnregisterCollection(f.collectionID)
	if err := f.queue.Close(); err != nil {
		f.logger.Error().Err(err).Msg("failed to close archive file")
	}
	f.logger.Debug().Msgf("disposed archive id=%s", f.header.ArchiveID)
}

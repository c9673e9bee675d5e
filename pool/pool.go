package pool

import (
	"sync"

	"github.com/phuslu/log"
	"github.com/pkg/errors"
)

var ErrPoolExhausted = errors.New("memory pool exhausted")

type CollectionMode int

const (
	Normal CollectionMode = iota
	Emergency
	Critical
)

func (m CollectionMode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Emergency:
		return "emergency"
	case Critical:
		return "critical"
	}
	return "unknown"
}

type CollectionEvent struct {
	Mode CollectionMode
}

// utilization thresholds that raise collection events on allocation
const (
	normalCollectionRatio    = 0.75
	emergencyCollectionRatio = 0.90
)

type Options struct {
	PageSize uint32
	MaxPages int
}

/*
MemoryPool hands out fixed size pages and tells its consumers when to
give some back.

Pages are slab allocated on demand up to MaxPages and recycled through
a free index list. Consumers register a collection handler; when
allocation pushes utilization over a threshold the pool raises an
event with the matching severity, and when the pool is fully exhausted
it raises Critical once and retries before failing the allocation.

Handlers run on the allocating goroutine with no pool lock held, so a
handler is free to call ReleasePage. Registration is explicit and so
is unregistration; a consumer that goes away without unregistering
keeps itself alive through the handler map.
*/
type MemoryPool struct {
	logger  log.Logger
	options Options

	mu        sync.Mutex
	slabs     [][]byte
	free      []int
	inUse     int
	handlers  map[int]func(CollectionEvent)
	handlerID int
}

func New(logger log.Logger, options Options) *MemoryPool {
	return &MemoryPool{
		logger:   logger,
		options:  options,
		handlers: make(map[int]func(CollectionEvent)),
	}
}

func (p *MemoryPool) PageSize() uint32 {
	return p.options.PageSize
}

func (p *MemoryPool) AllocatedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

func (p *MemoryPool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options.MaxPages - p.inUse
}

// AllocatePage returns a zeroed page and its pool index. The index is
// the handle for ReleasePage.
func (p *MemoryPool) AllocatePage() (int, []byte, error) {
	index, buffer, ok := p.takePage()
	if !ok {
		// exhausted, demand a collection and retry once
		p.RequestCollection(Critical)
		index, buffer, ok = p.takePage()
		if !ok {
			p.logger.Error().Msgf("memory pool exhausted at %d pages", p.options.MaxPages)
			return -1, nil, ErrPoolExhausted
		}
	}

	if mode, raise := p.pressure(); raise {
		p.RequestCollection(mode)
	}

	return index, buffer, nil
}

func (p *MemoryPool) takePage() (int, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		index := p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		buffer := p.slabs[index]
		for i := range buffer {
			buffer[i] = 0
		}
		return index, buffer, true
	}

	if len(p.slabs) < p.options.MaxPages {
		buffer := make([]byte, p.options.PageSize)
		index := len(p.slabs)
		p.slabs = append(p.slabs, buffer)
		p.inUse++
		return index, buffer, true
	}

	return -1, nil, false
}

func (p *MemoryPool) ReleasePage(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.slabs) {
		p.logger.Error().Msgf("release of unknown pool page %d", index)
		return
	}
	p.free = append(p.free, index)
	p.inUse--
}

func (p *MemoryPool) pressure() (CollectionMode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ratio := float64(p.inUse) / float64(p.options.MaxPages)
	if ratio >= emergencyCollectionRatio {
		return Emergency, true
	}
	if ratio >= normalCollectionRatio {
		return Normal, true
	}
	return Normal, false
}

// RequestCollection synchronously invokes every registered handler
// with the given severity. No pool lock is held while handlers run.
func (p *MemoryPool) RequestCollection(mode CollectionMode) {
	p.mu.Lock()
	handlers := make([]func(CollectionEvent), 0, len(p.handlers))
	for _, handler := range p.handlers {
		handlers = append(handlers, handler)
	}
	p.mu.Unlock()

	p.logger.Debug().Msgf("collection requested severity=%s", mode)
	for _, handler := range handlers {
		handler(CollectionEvent{Mode: mode})
	}
}

func (p *MemoryPool) RegisterCollection(handler func(CollectionEvent)) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlerID++
	p.handlers[p.handlerID] = handler
	return p.handlerID
}

func (p *MemoryPool) UnregisterCollection(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

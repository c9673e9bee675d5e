package sortbuf

import (
	"github.com/pkg/errors"

	"github.com/Dicondur/openHistorian/points"
)

var ErrModeViolation = errors.New("buffer is in the wrong mode for this operation")

/*
SortedPointBuffer stages an unsorted ingest batch and replays it in key
order for the archive writer.

┌──────────────────────────────────────────────────────────────┐
| keys   | capacity * keySize bytes, written in arrival order  |
| values | capacity * valueSize bytes, written in arrival order|
|──────────────────────────────────────────────────────────────|
| indexA / indexB | capacity ints, double buffered merge state |
└──────────────────────────────────────────────────────────────┘

Payload bytes never move after enqueue. The sort permutes the index
arrays only, so a record is always read back from the slot it was
written to.

Two phase life cycle: the buffer starts in writing mode, flips to
reading mode (which sorts), and flips back to writing mode (which
clears). Enqueueing while reading or reading while writing fails with
ErrModeViolation.
*/
type SortedPointBuffer[K any, V any] struct {
	keyOps   points.KeyOps[K]
	valueOps points.ValueOps[V]

	keys   []byte
	values []byte
	indexA []int
	indexB []int

	capacity int
	count    int
	cursor   int

	reading     bool
	endOfStream bool
}

// TreeStream is the ordered record source consumed by the archive
// writer. ReadNext reports false once the stream is exhausted.
type TreeStream[K any, V any] interface {
	ReadNext(key *K, value *V) (bool, error)
	EndOfStream() bool
}

func NewSortedPointBuffer[K any, V any](capacity int, keyOps points.KeyOps[K], valueOps points.ValueOps[V]) *SortedPointBuffer[K, V] {
	return &SortedPointBuffer[K, V]{
		keyOps:   keyOps,
		valueOps: valueOps,
		keys:     make([]byte, capacity*keyOps.Size),
		values:   make([]byte, capacity*valueOps.Size),
		indexA:   make([]int, capacity),
		indexB:   make([]int, capacity),
		capacity: capacity,
	}
}

func (b *SortedPointBuffer[K, V]) Capacity() int {
	return b.capacity
}

func (b *SortedPointBuffer[K, V]) Count() int {
	return b.count
}

func (b *SortedPointBuffer[K, V]) IsFull() bool {
	return b.count == b.capacity
}

func (b *SortedPointBuffer[K, V]) EndOfStream() bool {
	return b.endOfStream
}

// TryEnqueue stages one record. A full buffer reports false without an
// error so the caller can commit and retry.
func (b *SortedPointBuffer[K, V]) TryEnqueue(key *K, value *V) (bool, error) {
	if b.reading {
		return false, ErrModeViolation
	}
	if b.count == b.capacity {
		return false, nil
	}
	b.keyOps.Write(b.keys[b.count*b.keyOps.Size:], key)
	b.valueOps.Write(b.values[b.count*b.valueOps.Size:], value)
	b.count++
	return true, nil
}

// SetReading flips the mode. Entering reading mode sorts the staged
// records; leaving it clears the buffer for the next batch.
func (b *SortedPointBuffer[K, V]) SetReading(reading bool) {
	if reading == b.reading {
		return
	}
	if reading {
		b.reading = true
		b.cursor = 0
		b.endOfStream = b.count == 0
		b.sort()
	} else {
		b.Clear()
	}
}

// Clear drops every staged record and returns the buffer to writing
// mode regardless of the mode it was in.
func (b *SortedPointBuffer[K, V]) Clear() {
	b.reading = false
	b.count = 0
	b.cursor = 0
	b.endOfStream = false
}

func (b *SortedPointBuffer[K, V]) ReadNext(key *K, value *V) (bool, error) {
	if !b.reading {
		return false, ErrModeViolation
	}
	if b.cursor >= b.count {
		b.endOfStream = true
		return false, nil
	}
	slot := b.indexA[b.cursor]
	b.keyOps.Read(b.keys[slot*b.keyOps.Size:], key)
	b.valueOps.Read(b.values[slot*b.valueOps.Size:], value)
	b.cursor++
	return true, nil
}

func (b *SortedPointBuffer[K, V]) keyAt(slot int) []byte {
	return b.keys[slot*b.keyOps.Size : (slot+1)*b.keyOps.Size]
}

// sort runs a bottom up merge over the index arrays. The pairwise init
// pass seeds sorted runs of two, then strides double until one run
// remains, alternating source and destination arrays.
func (b *SortedPointBuffer[K, V]) sort() {
	count := b.count
	if count <= 1 {
		if count == 1 {
			b.indexA[0] = 0
		}
		return
	}

	for i := 0; i+1 < count; i += 2 {
		if b.keyOps.LessOrEqual(b.keyAt(i), b.keyAt(i+1)) {
			b.indexA[i] = i
			b.indexA[i+1] = i + 1
		} else {
			b.indexA[i] = i + 1
			b.indexA[i+1] = i
		}
	}
	if count%2 == 1 {
		b.indexA[count-1] = count - 1
	}

	source := b.indexA
	destination := b.indexB
	shouldSwap := false

	for stride := 2; stride < count; stride *= 2 {
		b.mergePass(source[:count], destination[:count], stride)
		source, destination = destination, source
		shouldSwap = !shouldSwap
	}

	if shouldSwap {
		b.indexA, b.indexB = b.indexB, b.indexA
	}
}

func (b *SortedPointBuffer[K, V]) mergePass(source []int, destination []int, stride int) {
	count := len(source)
	for base := 0; base < count; base += 2 * stride {
		leftEnd := base + stride
		if leftEnd >= count {
			copy(destination[base:], source[base:])
			continue
		}
		rightEnd := leftEnd + stride
		if rightEnd > count {
			rightEnd = count
		}

		// presorted segments skip the element compares entirely, which
		// is the dominant case for near sorted replay input
		if b.keyOps.LessOrEqual(b.keyAt(source[leftEnd-1]), b.keyAt(source[leftEnd])) {
			copy(destination[base:rightEnd], source[base:rightEnd])
			continue
		}

		left := base
		right := leftEnd
		out := base
		for left < leftEnd && right < rightEnd {
			if b.keyOps.LessOrEqual(b.keyAt(source[left]), b.keyAt(source[right])) {
				destination[out] = source[left]
				left++
			} else {
				destination[out] = source[right]
				right++
			}
			out++
		}
		out += copy(destination[out:], source[left:leftEnd])
		copy(destination[out:], source[right:rightEnd])
	}
}

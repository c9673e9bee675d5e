package sortbuf

import (
	"math/rand"
	"testing"

	"github.com/Dicondur/openHistorian/points"
	"github.com/stretchr/testify/assert"
)

func enqueueKey(t *testing.T, buffer *SortedPointBuffer[points.Key, points.Value], timestamp uint64) {
	key := points.Key{Timestamp: timestamp, PointID: 1}
	value := points.Value{Value1: timestamp * 10}
	ok, err := buffer.TryEnqueue(&key, &value)
	assert.Nil(t, err)
	assert.True(t, ok)
}

func TestSortedPointBuffer(t *testing.T) {

	t.Run("Test unsorted batch is replayed in order", func(t *testing.T) {
		buffer := NewSortedPointBuffer(16, points.PointKeyOps(), points.PointValueOps())

		for _, ts := range []uint64{5, 3, 8, 1, 4, 9, 2, 6, 7} {
			enqueueKey(t, buffer, ts)
		}

		buffer.SetReading(true)

		var key points.Key
		var value points.Value
		for expected := uint64(1); expected <= 9; expected++ {
			ok, err := buffer.ReadNext(&key, &value)
			assert.Nil(t, err)
			assert.True(t, ok)
			assert.Equal(t, expected, key.Timestamp)
			// values stay attached to their keys through the sort
			assert.Equal(t, expected*10, value.Value1)
		}
		ok, err := buffer.ReadNext(&key, &value)
		assert.Nil(t, err)
		assert.False(t, ok)
		assert.True(t, buffer.EndOfStream())
	})

	t.Run("Test mode machine", func(t *testing.T) {
		buffer := NewSortedPointBuffer(4, points.PointKeyOps(), points.PointValueOps())
		var key points.Key
		var value points.Value

		_, err := buffer.ReadNext(&key, &value)
		assert.Equal(t, ErrModeViolation, err)

		enqueueKey(t, buffer, 1)
		buffer.SetReading(true)

		ok, err := buffer.TryEnqueue(&key, &value)
		assert.Equal(t, ErrModeViolation, err)
		assert.False(t, ok)

		// flipping back to writing clears the batch
		buffer.SetReading(false)
		assert.Equal(t, 0, buffer.Count())
		assert.False(t, buffer.EndOfStream())
		enqueueKey(t, buffer, 2)
		assert.Equal(t, 1, buffer.Count())
	})

	t.Run("Test full buffer reports false without error", func(t *testing.T) {
		buffer := NewSortedPointBuffer(2, points.PointKeyOps(), points.PointValueOps())
		enqueueKey(t, buffer, 1)
		enqueueKey(t, buffer, 2)
		assert.True(t, buffer.IsFull())

		key := points.Key{Timestamp: 3}
		var value points.Value
		ok, err := buffer.TryEnqueue(&key, &value)
		assert.Nil(t, err)
		assert.False(t, ok)
	})

	t.Run("Test duplicate timestamps order by point id", func(t *testing.T) {
		buffer := NewSortedPointBuffer(8, points.PointKeyOps(), points.PointValueOps())
		for _, id := range []uint64{4, 2, 9, 1} {
			key := points.Key{Timestamp: 100, PointID: id}
			value := points.Value{Value1: id}
			ok, err := buffer.TryEnqueue(&key, &value)
			assert.Nil(t, err)
			assert.True(t, ok)
		}
		buffer.SetReading(true)

		var key points.Key
		var value points.Value
		for _, expected := range []uint64{1, 2, 4, 9} {
			ok, _ := buffer.ReadNext(&key, &value)
			assert.True(t, ok)
			assert.Equal(t, expected, key.PointID)
			assert.Equal(t, expected, value.Value1)
		}
	})

	t.Run("Test random batch against reference order", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		buffer := NewSortedPointBuffer(1000, points.PointKeyOps(), points.PointValueOps())
		for i := 0; i < 1000; i++ {
			key := points.Key{
				Timestamp: uint64(rng.Intn(200)),
				PointID:   uint64(rng.Intn(50)),
			}
			value := points.Value{Value1: uint64(i)}
			ok, err := buffer.TryEnqueue(&key, &value)
			assert.Nil(t, err)
			assert.True(t, ok)
		}
		buffer.SetReading(true)

		var previous points.Key
		var key points.Key
		var value points.Value
		for i := 0; i < 1000; i++ {
			ok, err := buffer.ReadNext(&key, &value)
			assert.Nil(t, err)
			assert.True(t, ok)
			if i > 0 {
				assert.True(t, previous.IsLessThanOrEqualTo(&key),
					"key %d out of order", i)
			}
			previous = key
		}
	})

	t.Run("Test presorted input compares linearly", func(t *testing.T) {
		comparisons := 0
		keyOps := points.PointKeyOps()
		counted := keyOps.LessOrEqual
		keyOps.LessOrEqual = func(a []byte, b []byte) bool {
			comparisons++
			return counted(a, b)
		}

		count := 1024
		buffer := NewSortedPointBuffer(count, keyOps, points.PointValueOps())
		for i := 0; i < count; i++ {
			key := points.Key{Timestamp: uint64(i)}
			var value points.Value
			buffer.TryEnqueue(&key, &value)
		}
		buffer.SetReading(true)

		// pairwise init plus one fast path probe per merge segment,
		// nowhere near the n log n of a general merge
		assert.LessOrEqual(t, comparisons, 2*count)

		var key points.Key
		var value points.Value
		for i := 0; i < count; i++ {
			ok, _ := buffer.ReadNext(&key, &value)
			assert.True(t, ok)
			assert.Equal(t, uint64(i), key.Timestamp)
		}
	})

	t.Run("Test clear from either mode", func(t *testing.T) {
		buffer := NewSortedPointBuffer(4, points.PointKeyOps(), points.PointValueOps())
		enqueueKey(t, buffer, 3)
		enqueueKey(t, buffer, 1)

		// clearing while still writing drops the batch
		buffer.Clear()
		assert.Equal(t, 0, buffer.Count())
		enqueueKey(t, buffer, 9)
		buffer.SetReading(true)

		// clearing while reading also lands back in writing mode
		buffer.Clear()
		assert.Equal(t, 0, buffer.Count())
		assert.False(t, buffer.EndOfStream())
		enqueueKey(t, buffer, 5)
		buffer.SetReading(true)

		var key points.Key
		var value points.Value
		ok, err := buffer.ReadNext(&key, &value)
		assert.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(5), key.Timestamp)
	})

	t.Run("Test single and empty batches", func(t *testing.T) {
		buffer := NewSortedPointBuffer(4, points.PointKeyOps(), points.PointValueOps())
		buffer.SetReading(true)
		assert.True(t, buffer.EndOfStream())

		var key points.Key
		var value points.Value
		ok, err := buffer.ReadNext(&key, &value)
		assert.Nil(t, err)
		assert.False(t, ok)

		buffer.SetReading(false)
		enqueueKey(t, buffer, 42)
		buffer.SetReading(true)
		ok, _ = buffer.ReadNext(&key, &value)
		assert.True(t, ok)
		assert.Equal(t, uint64(42), key.Timestamp)
	})
}

package metrics

import (
	"sync/atomic"
	"time"

	"github.com/mfreeman451/fleetmon/pkg/models"
)

type bufferPoint struct {
	timestamp int64
	value     float64
}

// LockFreeRingBuffer keeps the most recent samples of one metric series
// without locking. Writers atomically claim slots; readers snapshot the
// window newest first.
type LockFreeRingBuffer struct {
	points []bufferPoint
	pos    int64
	size   int64
}

// NewLockFreeBuffer creates a ring buffer holding size samples.
func NewLockFreeBuffer(size int) *LockFreeRingBuffer {
	return &LockFreeRingBuffer{
		points: make([]bufferPoint, size),
		size:   int64(size),
	}
}

// Add records a sample value at the given time.
func (b *LockFreeRingBuffer) Add(timestamp time.Time, value float64) {
	pos := atomic.AddInt64(&b.pos, 1) - 1
	idx := pos % b.size

	b.points[idx] = bufferPoint{
		timestamp: timestamp.UnixNano(),
		value:     value,
	}
}

// Points returns the buffered samples newest first. Slots that were
// never written are omitted.
func (b *LockFreeRingBuffer) Points() []models.BufferedPoint {
	pos := atomic.LoadInt64(&b.pos)

	n := b.size
	if pos < n {
		n = pos
	}

	points := make([]models.BufferedPoint, 0, n)

	for i := int64(0); i < n; i++ {
		idx := (pos - i - 1 + b.size) % b.size
		p := b.points[idx]

		points = append(points, models.BufferedPoint{
			Timestamp: time.Unix(0, p.timestamp),
			Value:     p.value,
		})
	}

	return points
}

package history

import (
	"sort"
	"sync"

	"github.com/optimus/telemetry/internal/types"
)

// DefaultCapacity keeps 300 seconds of samples at 10Hz
const DefaultCapacity = 3000

// Buffer is a thread-safe ring buffer of telemetry samples in arrival order.
// When full, each append evicts the oldest sample.
type Buffer struct {
	samples []types.Sample
	size    int
	head    int // next write position
	count   int
	// adjacent retained pairs whose timestamps go backwards
	inversions int
	mu         sync.RWMutex
}

// New creates a buffer holding at most capacity samples
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		samples: make([]types.Sample, capacity),
		size:    capacity,
	}
}

// Append stores s at the tail, evicting the oldest sample if full
func (b *Buffer) Append(s types.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.size {
		// evict the oldest pair from the inversion count
		if b.size > 1 && b.at(1).Timestamp < b.at(0).Timestamp {
			b.inversions--
		}
		b.count--
	}
	if b.count > 0 && s.Timestamp < b.at(b.count-1).Timestamp {
		b.inversions++
	}

	b.samples[b.head] = s
	b.head = (b.head + 1) % b.size
	b.count++
}

// Len returns the number of retained samples
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the buffer capacity
func (b *Buffer) Cap() int {
	return b.size
}

// Snapshot returns the most recent n samples, oldest first
func (b *Buffer) Snapshot(n int) []types.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return []types.Sample{}
	}
	return b.copyRange(b.count-n, b.count)
}

// QuerySince returns every retained sample with timestamp >= cutoff, in
// arrival order. While retained timestamps are non-decreasing the result
// is a contiguous suffix located by binary search; otherwise every sample
// is checked.
func (b *Buffer) QuerySince(cutoff float64) []types.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.count == 0 {
		return []types.Sample{}
	}

	if b.inversions == 0 {
		start := sort.Search(b.count, func(i int) bool {
			return b.at(i).Timestamp >= cutoff
		})
		return b.copyRange(start, b.count)
	}

	out := make([]types.Sample, 0)
	for i := 0; i < b.count; i++ {
		if s := b.at(i); s.Timestamp >= cutoff {
			out = append(out, s)
		}
	}
	return out
}

// at returns the i-th oldest sample. Caller must hold b.mu.
func (b *Buffer) at(i int) types.Sample {
	return b.samples[(b.oldest()+i)%b.size]
}

func (b *Buffer) oldest() int {
	return (b.head - b.count + b.size) % b.size
}

// copyRange copies logical positions [from, to). Caller must hold b.mu.
func (b *Buffer) copyRange(from, to int) []types.Sample {
	out := make([]types.Sample, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.at(i))
	}
	return out
}

package logbuf

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSize is the number of log lines kept when no size is given
const DefaultSize = 1000

// Entry is one captured zerolog line
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer keeps the most recent zerolog output so the service can show its
// own logs over HTTP. It implements io.Writer.
type Buffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	now     func() time.Time
	mu      sync.RWMutex
}

// New creates a buffer holding up to size lines
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
		now:     time.Now,
	}
}

// Write parses one JSON log line and stores it. Lines that are not JSON
// are kept raw at info level.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := Entry{Level: zerolog.InfoLevel.String(), Raw: string(p)}

	var line struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(p, &line); err == nil {
		if line.Level != "" {
			entry.Level = line.Level
		}
		entry.Component = line.Component
		entry.Message = line.Message
	} else {
		entry.Message = entry.Raw
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry.Time = b.now()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	return len(p), nil
}

// Recent returns up to n of the newest entries at or above minLevel,
// oldest first. n <= 0 means no limit.
func (b *Buffer) Recent(n int, minLevel zerolog.Level) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := (b.head - b.count + b.size) % b.size
	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < minLevel {
			continue
		}
		out = append(out, e)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Len returns the number of stored entries
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

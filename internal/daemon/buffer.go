package daemon

import (
	"strings"
	"sync"
)

// charsPerToken is the replay budget conversion: the buffer is sized in
// tokens but accounts in characters.
const charsPerToken = 4

// RollingBuffer is a bounded FIFO of raw stream chunks. It is not the
// provider's context; it is a reconstructable replay the daemon can prepend
// to the next prompt after compaction.
type RollingBuffer struct {
	mu       sync.Mutex
	chunks   []string
	size     int // total chars currently held
	maxChars int
}

// NewRollingBuffer creates a buffer holding up to maxTokens of history.
func NewRollingBuffer(maxTokens int) *RollingBuffer {
	return &RollingBuffer{maxChars: maxTokens * charsPerToken}
}

// Append adds a chunk, evicting the oldest chunks until the budget holds.
// A single chunk larger than the whole budget is truncated to its tail.
func (b *RollingBuffer) Append(chunk string) {
	if chunk == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(chunk) > b.maxChars {
		chunk = chunk[len(chunk)-b.maxChars:]
		b.chunks = b.chunks[:0]
		b.size = 0
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk)

	for b.size > b.maxChars && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0])
		b.chunks = b.chunks[1:]
	}
}

// Snapshot returns the buffered history, oldest first.
func (b *RollingBuffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

// Len returns the buffered size in characters.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reset discards the buffered history.
func (b *RollingBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}

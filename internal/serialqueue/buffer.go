package serialqueue

// Buffer is a fixed-capacity byte buffer filled through an append cursor.
//
// Appending more than the remaining capacity stores what fits and reports
// ErrBufferFull, following the io.Writer contract for short writes.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer allocates a buffer holding exactly capacity bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Write appends p at the cursor.
func (b *Buffer) Write(p []byte) (int, error) {
	n := copy(b.data[b.n:], p)
	b.n += n
	if n < len(p) {
		return n, ErrBufferFull
	}
	return n, nil
}

// Bytes returns the filled part of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Len returns the number of bytes filled.
func (b *Buffer) Len() int { return b.n }

// Cap returns the capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Remaining returns the free capacity.
func (b *Buffer) Remaining() int { return len(b.data) - b.n }

// Release drops the storage. The buffer is empty with zero capacity after.
func (b *Buffer) Release() {
	b.data = nil
	b.n = 0
}

package wire

import "sync"

// Slot holds one of the two typed, caller-chosen "work in progress" parse
// states a StreamBuffer carries across partial reads (MOQT §4.2): a header
// struct mid-decode, an object struct mid-decode, or nil when idle. Tag is
// an optional caller-defined discriminant (e.g. the cached leading message
// type of a data stream) that travels alongside State.
type Slot struct {
	State any
	Tag   *uint64
}

// Reset clears the slot back to idle.
func (s *Slot) Reset() {
	s.State = nil
	s.Tag = nil
}

// Empty reports whether the slot holds no in-progress state.
func (s *Slot) Empty() bool {
	return s.State == nil && s.Tag == nil
}

// StreamBuffer is a single-producer/single-consumer byte queue with a typed
// parse cursor (MOQT §4.2). Producers Push bytes as they arrive from the
// transport; consumers Front/Pop/DecodeVarint/DecodeBytesLP to parse
// messages that may straddle arbitrarily many Push calls. Any decode method
// that cannot complete leaves the buffer byte-exact to its pre-call state,
// so the same call can simply be retried once more bytes arrive.
//
// Two typed scratch slots, A and B, let a resumable decoder stash
// "how far have I gotten" state across pushes without re-parsing from
// scratch: the moqt Dispatcher, for instance, keeps a decoded
// STREAM_HEADER_SUBGROUP in slot A and its subtype bits in slot A's Tag;
// it does not use slot B.
type StreamBuffer struct {
	mu   *sync.Mutex // nil for the single-threaded, non-locking variant
	data []byte
	A    Slot
	B    Slot
}

// NewStreamBuffer returns a StreamBuffer with no internal locking, for use
// from a single goroutine only.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{}
}

// NewSyncStreamBuffer returns a StreamBuffer safe for concurrent use by a
// single producer and a single consumer on different goroutines, as used
// for the buffer shared between the transport callback and the dispatcher.
func NewSyncStreamBuffer() *StreamBuffer {
	return &StreamBuffer{mu: &sync.Mutex{}}
}

func (b *StreamBuffer) lock() {
	if b.mu != nil {
		b.mu.Lock()
	}
}

func (b *StreamBuffer) unlock() {
	if b.mu != nil {
		b.mu.Unlock()
	}
}

// Push appends data to the tail of the queue.
func (b *StreamBuffer) Push(data []byte) {
	if len(data) == 0 {
		return
	}
	b.lock()
	defer b.unlock()
	b.data = append(b.data, data...)
}

// Len returns the number of unconsumed bytes currently queued.
func (b *StreamBuffer) Len() int {
	b.lock()
	defer b.unlock()
	return len(b.data)
}

// Front returns a copy of the first n bytes without consuming them, or
// (nil, false) if fewer than n bytes are queued.
func (b *StreamBuffer) Front(n int) ([]byte, bool) {
	b.lock()
	defer b.unlock()
	if len(b.data) < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	return out, true
}

// Pop drops the first n bytes from the queue. An n larger than Len()
// empties the queue.
func (b *StreamBuffer) Pop(n int) {
	b.lock()
	defer b.unlock()
	b.popLocked(n)
}

func (b *StreamBuffer) popLocked(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
}

// Available reports whether at least n bytes are queued.
func (b *StreamBuffer) Available(n int) bool {
	b.lock()
	defer b.unlock()
	return len(b.data) >= n
}

// DecodeVarint atomically decodes and consumes a varint from the front of
// the queue. On insufficient data it returns (0, false) and leaves the
// queue untouched.
func (b *StreamBuffer) DecodeVarint() (uint64, bool) {
	b.lock()
	defer b.unlock()
	if len(b.data) == 0 {
		return 0, false
	}
	v, n, err := DecodeVarint(b.data)
	if err != nil {
		return 0, false
	}
	b.popLocked(n)
	return v, true
}

// DecodeBytesLP atomically decodes and consumes a length-prefixed byte
// slice from the front of the queue. On insufficient data it returns
// (nil, false) and leaves the queue untouched.
func (b *StreamBuffer) DecodeBytesLP() ([]byte, bool) {
	b.lock()
	defer b.unlock()
	if len(b.data) == 0 {
		return nil, false
	}
	length, n, err := DecodeVarint(b.data)
	if err != nil {
		return nil, false
	}
	end := n + int(length)
	if end > len(b.data) {
		return nil, false
	}
	out := make([]byte, length)
	copy(out, b.data[n:end])
	b.popLocked(end)
	return out, true
}

// DecodeFixed atomically decodes and consumes n raw bytes from the front
// of the queue.
func (b *StreamBuffer) DecodeFixed(n int) ([]byte, bool) {
	b.lock()
	defer b.unlock()
	if len(b.data) < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.popLocked(n)
	return out, true
}

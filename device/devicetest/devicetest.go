// Package devicetest provides an in-memory DataSource for tests: reads are
// served from a scripted queue of chunks with serial-style timeout semantics
// (empty queue reads return 0, nil), and writes are recorded.
package devicetest

import (
	"io"
	"sync"
)

// Source is a scriptable in-memory device connection.
type Source struct {
	mu      sync.Mutex
	pending [][]byte
	written []byte
	closed  bool
}

// NewSource creates an empty Source.
func NewSource() *Source {
	return &Source{}
}

// Queue appends a chunk to be returned by subsequent Read calls. Each Read
// returns at most one queued chunk, mirroring a serial port delivering data
// in bursts.
func (s *Source) Queue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.pending = append(s.pending, buf)
}

// QueueString is Queue for string payloads.
func (s *Source) QueueString(data string) {
	s.Queue([]byte(data))
}

// Read returns the next queued chunk, or (0, nil) when nothing is pending,
// matching the timeout behavior of a real serial read.
func (s *Source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(s.pending) == 0 {
		return 0, nil
	}

	chunk := s.pending[0]
	n := copy(p, chunk)
	if n < len(chunk) {
		s.pending[0] = chunk[n:]
	} else {
		s.pending = s.pending[1:]
	}
	return n, nil
}

// Write records data sent toward the device.
func (s *Source) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

// Written returns a copy of everything written to the device so far.
func (s *Source) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// ClearWritten discards the recorded writes.
func (s *Source) ClearWritten() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = nil
}

// PendingReads reports how many queued chunks remain unread.
func (s *Source) PendingReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close marks the source closed; further reads and writes fail.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

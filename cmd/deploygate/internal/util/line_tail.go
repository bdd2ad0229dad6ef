// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"strings"
	"sync"
)

// LineTail is a bounded, thread-safe capture of the last N lines written
// to it.
//
// # Description
//
// LineTail implements io.Writer over a fixed-size ring of lines. When the
// ring is full the oldest line is dropped, so memory stays bounded no
// matter how much a subprocess prints. It is attached to build and
// container-log output so failure reports can include a diagnostic tail
// without retaining the full log.
//
// # How It Works
//
//  1. Write splits incoming bytes on newlines
//  2. Complete lines are pushed into the ring; a trailing partial line is
//     buffered until its newline arrives
//  3. When full, pushing advances the head, dropping the oldest line
//
// # Thread Safety
//
// LineTail is safe for concurrent use; Write and readers share a mutex.
//
// # Limitations
//
//   - A partial final line (no trailing newline) is only visible after
//     Flush or through Lines, which includes it implicitly
//   - Very long lines are kept whole; capacity bounds lines, not bytes
type LineTail struct {
	lines    []string
	head     int
	size     int
	capacity int
	dropped  int64
	partial  strings.Builder
	mu       sync.Mutex
}

// NewLineTail creates a LineTail holding up to capacity lines.
//
// Panics if capacity <= 0: a zero-capacity tail would silently discard
// the diagnostics the caller asked to keep.
func NewLineTail(capacity int) *LineTail {
	if capacity <= 0 {
		panic("line tail capacity must be positive")
	}
	return &LineTail{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Write implements io.Writer. It never returns an error.
func (t *LineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := string(p)
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			t.partial.WriteString(s)
			break
		}
		t.partial.WriteString(s[:idx])
		t.push(t.partial.String())
		t.partial.Reset()
		s = s[idx+1:]
	}
	return len(p), nil
}

// WriteLine records a single complete line.
func (t *LineTail) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.push(strings.TrimRight(line, "\r\n"))
}

// push appends a line, dropping the oldest when full. Caller holds mu.
func (t *LineTail) push(line string) {
	if t.size == t.capacity {
		t.lines[t.head] = line
		t.head = (t.head + 1) % t.capacity
		t.dropped++
		return
	}
	t.lines[(t.head+t.size)%t.capacity] = line
	t.size++
}

// Lines returns the captured lines, oldest first, including any trailing
// partial line. The internal state is not modified.
func (t *LineTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, t.size+1)
	for i := 0; i < t.size; i++ {
		out = append(out, t.lines[(t.head+i)%t.capacity])
	}
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}

// String returns the captured tail joined with newlines.
func (t *LineTail) String() string {
	return strings.Join(t.Lines(), "\n")
}

// Len returns the number of complete lines currently held.
func (t *LineTail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Capacity returns the maximum number of lines retained.
func (t *LineTail) Capacity() int {
	return t.capacity
}

// Dropped returns how many lines were discarded due to capacity.
func (t *LineTail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Reset discards all captured content and the dropped counter.
func (t *LineTail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.lines {
		t.lines[i] = ""
	}
	t.head = 0
	t.size = 0
	t.dropped = 0
	t.partial.Reset()
}

// Copyright (C) 2025 L9 Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package util

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// =============================================================================
// Constructor Tests
// =============================================================================

// TestNewLineTail verifies initial state.
func TestNewLineTail(t *testing.T) {
	tail := NewLineTail(10)

	if tail.Capacity() != 10 {
		t.Errorf("Capacity() = %d, want 10", tail.Capacity())
	}
	if tail.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tail.Len())
	}
	if tail.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", tail.Dropped())
	}
}

// TestNewLineTail_PanicsOnZeroCapacity verifies the guard.
func TestNewLineTail_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewLineTail(0) should panic")
		}
	}()
	NewLineTail(0)
}

// =============================================================================
// Write Tests
// =============================================================================

// TestLineTail_Write verifies line splitting across Write calls.
func TestLineTail_Write(t *testing.T) {
	tail := NewLineTail(10)

	fmt.Fprintf(tail, "first li")
	fmt.Fprintf(tail, "ne\nsecond line\npar")
	fmt.Fprintf(tail, "tial")

	got := tail.Lines()
	want := []string{"first line", "second line", "partial"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
	// Only complete lines count toward Len.
	if tail.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tail.Len())
	}
}

// TestLineTail_DropsOldest verifies bounded capture keeps the newest lines.
func TestLineTail_DropsOldest(t *testing.T) {
	tail := NewLineTail(3)

	for i := 1; i <= 5; i++ {
		tail.WriteLine(fmt.Sprintf("line %d", i))
	}

	got := tail.Lines()
	want := []string{"line 3", "line 4", "line 5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
	if tail.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", tail.Dropped())
	}
}

// TestLineTail_WriteLine_TrimsLineEndings verifies CRLF handling.
func TestLineTail_WriteLine_TrimsLineEndings(t *testing.T) {
	tail := NewLineTail(2)
	tail.WriteLine("windows line\r\n")

	if got := tail.Lines()[0]; got != "windows line" {
		t.Errorf("Lines()[0] = %q, want %q", got, "windows line")
	}
}

// TestLineTail_String verifies joined output.
func TestLineTail_String(t *testing.T) {
	tail := NewLineTail(5)
	tail.WriteLine("a")
	tail.WriteLine("b")

	if got := tail.String(); got != "a\nb" {
		t.Errorf("String() = %q, want %q", got, "a\nb")
	}
}

// TestLineTail_Reset verifies full reset.
func TestLineTail_Reset(t *testing.T) {
	tail := NewLineTail(2)
	tail.WriteLine("a")
	tail.WriteLine("b")
	tail.WriteLine("c")

	tail.Reset()

	if tail.Len() != 0 || tail.Dropped() != 0 || len(tail.Lines()) != 0 {
		t.Errorf("after Reset: Len=%d Dropped=%d Lines=%v", tail.Len(), tail.Dropped(), tail.Lines())
	}
}

// TestLineTail_ConcurrentWrites verifies no lost updates under concurrency.
func TestLineTail_ConcurrentWrites(t *testing.T) {
	tail := NewLineTail(1000)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tail.WriteLine(fmt.Sprintf("goroutine %d line %d", g, i))
			}
		}(g)
	}
	wg.Wait()

	if tail.Len() != 1000 {
		t.Errorf("Len() = %d, want 1000", tail.Len())
	}
	if tail.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", tail.Dropped())
	}
}

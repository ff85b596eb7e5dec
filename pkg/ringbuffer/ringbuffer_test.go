package ringbuffer

import (
	"errors"
	"testing"
)

func TestClearThenReadChunkInsufficient(t *testing.T) {
	rb := New(10)
	rb.Write([]float32{1, 2, 3, 4, 5})
	rb.Clear()

	_, err := rb.ReadChunk(4)
	if !errors.Is(err, ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient after Clear, got %v", err)
	}
}

func TestWriteThenReadChunkExact(t *testing.T) {
	rb := New(8)
	rb.Write([]float32{1, 2, 3, 4, 5, 6})

	chunk, err := rb.ReadChunk(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunk) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(chunk))
	}
	want := []float32{3, 4, 5, 6}
	for i, v := range want {
		if chunk[i] != v {
			t.Fatalf("chunk[%d] = %v, want %v", i, chunk[i], v)
		}
	}
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	rb := New(4)
	rb.Write([]float32{1, 2, 3, 4})
	rb.Write([]float32{5, 6}) // wraps around

	recent := rb.Recent(4)
	want := []float32{3, 4, 5, 6}
	for i, v := range want {
		if recent[i] != v {
			t.Fatalf("recent[%d] = %v, want %v", i, recent[i], v)
		}
	}
}

func TestWriteExceedingCapacityKeepsTrailing(t *testing.T) {
	rb := New(3)
	rb.Write([]float32{1, 2, 3, 4, 5})

	recent := rb.Recent(3)
	want := []float32{3, 4, 5}
	for i, v := range want {
		if recent[i] != v {
			t.Fatalf("recent[%d] = %v, want %v", i, recent[i], v)
		}
	}
}

func TestRecentClampsToCapacityAndFilled(t *testing.T) {
	rb := New(10)
	rb.Write([]float32{1, 2, 3})

	recent := rb.Recent(100)
	if len(recent) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(recent))
	}
}

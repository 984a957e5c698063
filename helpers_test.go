package seek_buffer_go

import (
	"strconv"
	"testing"
)

// tagged builds a one byte chunk carrying its index.
func tagged(i int) Chunk {
	return NewChunk([]byte{byte(i)}, strconv.Itoa(i), int64(i))
}

func expectPeek(t *testing.T, buffer RingBuffer, want int) {
	t.Helper()

	chunk, ok := buffer.Peek()
	if !ok {
		t.Fatalf("expected chunk %d, buffer is empty", want)
	}
	if !chunk.Equal(tagged(want)) {
		t.Fatalf("expected chunk %d, got %v (%s)", want, chunk.Data, chunk.Metadata)
	}
}

func expectSeek(t *testing.T, buffer RingBuffer, n int, want int) {
	t.Helper()

	moved, err := buffer.Seek(n)
	if err != nil {
		t.Fatalf("seek %d: %v", n, err)
	}
	if moved != want {
		t.Fatalf("seek %d: expected to move %d, moved %d", n, want, moved)
	}
}

// scenarioOverwrite runs the capacity 9 walk shared by every slot backend.
func scenarioOverwrite(t *testing.T, buffer RingBuffer) {
	t.Helper()

	for i := 0; i < 15; i++ {
		if err := buffer.Add(tagged(i)); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	if !buffer.IsFull() {
		t.Fatalf("expected full buffer")
	}
	expectPeek(t, buffer, 6)
	if buffer.Size() != 9 || buffer.Fill() != 9 {
		t.Fatalf("expected size 9 fill 9, got size %d fill %d", buffer.Size(), buffer.Fill())
	}

	expectSeek(t, buffer, -1, 0)

	expectSeek(t, buffer, 1, 1)
	expectPeek(t, buffer, 7)
	if buffer.IsFull() {
		t.Fatalf("expected buffer not to be full after reading ahead")
	}

	expectSeek(t, buffer, -1, -1)
	expectPeek(t, buffer, 6)

	expectSeek(t, buffer, 20, 9)
	if !buffer.IsEmpty() {
		t.Fatalf("expected empty buffer after seeking past the end")
	}

	expectSeek(t, buffer, -20, -9)
	expectPeek(t, buffer, 6)
	if !buffer.IsFull() {
		t.Fatalf("expected full buffer after seeking back to the oldest chunk")
	}
}

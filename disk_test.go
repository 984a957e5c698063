package seek_buffer_go

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newDiskBuffer(t *testing.T, diskChunks int, diskFiles int) *DiskRingBuffer {
	t.Helper()

	buffer, err := NewDiskRingBuffer(t.TempDir(), diskChunks, diskFiles, WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new disk buffer: %v", err)
	}
	return buffer
}

func TestDiskRingBuffer(t *testing.T) {
	t.Run("Fresh Buffer", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)

		if buffer.Capacity() != 9 || !buffer.IsEmpty() || buffer.IsFull() || buffer.Fill() != 0 {
			t.Fatalf("unexpected fresh state: capacity %d size %d fill %d", buffer.Capacity(), buffer.Size(), buffer.Fill())
		}
	})

	t.Run("Invalid Layout", func(t *testing.T) {
		cases := []struct {
			dir    string
			chunks int
			files  int
		}{
			{"", 10, 3},
			{t.TempDir(), 0, 1},
			{t.TempDir(), 10, 0},
			{t.TempDir(), 3, 4},
		}

		for _, c := range cases {
			_, err := NewDiskRingBuffer(c.dir, c.chunks, c.files)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("%+v: expected ErrInvalidConfig, got %v", c, err)
			}
		}
	})

	t.Run("Overwrite and Seek Scenario", func(t *testing.T) {
		scenarioOverwrite(t, newDiskBuffer(t, 10, 3))
	})

	t.Run("Reads Across Pages In Order", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)
		ctx := context.Background()

		next := 0
		for round := 0; round < 4; round++ {
			for i := 0; i < 7; i++ {
				if err := buffer.Add(tagged(round*7 + i)); err != nil {
					t.Fatalf("add: %v", err)
				}
			}
			for i := 0; i < 7; i++ {
				chunk, err := buffer.Next(ctx)
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				if !chunk.Equal(tagged(next)) {
					t.Fatalf("expected chunk %d, got %v", next, chunk.Data)
				}
				next++
			}
		}
	})

	t.Run("Pages Are Written On Boundaries", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)

		for i := 0; i < 2; i++ {
			buffer.Add(tagged(i))
		}
		if _, err := os.Stat(pagePath(buffer.Dir(), 0)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("page 0 written before its window was left: %v", err)
		}

		buffer.Add(tagged(2))
		if _, err := os.Stat(pagePath(buffer.Dir(), 0)); err != nil {
			t.Fatalf("page 0 not written after leaving its window: %v", err)
		}

		page, err := readPage(buffer.Dir(), 0, 3)
		if err != nil {
			t.Fatalf("read page: %v", err)
		}
		for i := 0; i < 3; i++ {
			if !page[i].Equal(tagged(i)) {
				t.Fatalf("page slot %d holds %v", i, page[i].Data)
			}
		}
	})

	t.Run("Missing Page Is Empty", func(t *testing.T) {
		page, err := readPage(t.TempDir(), 6, 3)
		if err != nil {
			t.Fatalf("read missing page: %v", err)
		}
		for i, chunk := range page {
			if chunk.Len() != 0 {
				t.Fatalf("slot %d of missing page holds data", i)
			}
		}
	})

	t.Run("Stale Pages Are Cleared", func(t *testing.T) {
		dir := t.TempDir()
		if err := writePage(dir, 0, []Chunk{tagged(9)}); err != nil {
			t.Fatalf("write page: %v", err)
		}

		if _, err := NewDiskRingBuffer(dir, 10, 3); err != nil {
			t.Fatalf("new disk buffer: %v", err)
		}
		if _, err := os.Stat(pagePath(dir, 0)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("stale page survived: %v", err)
		}
	})

	t.Run("Corrupt Page Fails", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)
		for i := 0; i < 4; i++ {
			buffer.Add(tagged(i))
		}

		snapshot, err := ToSnapshot(buffer, StreamDescriptor{})
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}

		if err := os.WriteFile(filepath.Join(buffer.Dir(), "0"+pageFileSuffix), []byte("not a page"), 0o644); err != nil {
			t.Fatalf("corrupt page: %v", err)
		}

		_, err = FromSnapshot(snapshot, nil)
		if !errors.Is(err, ErrPageIO) {
			t.Fatalf("expected ErrPageIO, got %v", err)
		}
	})

	t.Run("Failed Page Load Keeps The Chunk Read", func(t *testing.T) {
		buffer := newDiskBuffer(t, 15, 3)
		for i := 0; i < 12; i++ {
			buffer.Add(tagged(i))
		}
		for i := 0; i < 4; i++ {
			if _, err := buffer.Next(context.Background()); err != nil {
				t.Fatalf("next %d: %v", i, err)
			}
		}

		// Slots 5..9 were flushed when the write window moved on.
		if err := os.WriteFile(filepath.Join(buffer.Dir(), "5"+pageFileSuffix), []byte("not a page"), 0o644); err != nil {
			t.Fatalf("corrupt page: %v", err)
		}

		chunk, err := buffer.Next(context.Background())
		if err != nil {
			t.Fatalf("expected the last chunk of the window, got %v", err)
		}
		if !chunk.Equal(tagged(4)) {
			t.Fatalf("expected chunk 4, got %v", chunk.Data)
		}

		if _, err := buffer.Next(context.Background()); !errors.Is(err, ErrPageIO) {
			t.Fatalf("expected ErrPageIO on the following next, got %v", err)
		}
	})

	t.Run("Failure Is Sticky", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)
		for i := 0; i < 2; i++ {
			buffer.Add(tagged(i))
		}

		// Pull the directory away so the next flush cannot land.
		if err := os.RemoveAll(buffer.Dir()); err != nil {
			t.Fatalf("remove dir: %v", err)
		}

		if err := buffer.Add(tagged(2)); !errors.Is(err, ErrPageIO) {
			t.Fatalf("expected ErrPageIO from add, got %v", err)
		}
		if _, err := buffer.Next(context.Background()); !errors.Is(err, ErrPageIO) {
			t.Fatalf("expected ErrPageIO from next, got %v", err)
		}
		if _, err := buffer.Seek(1); !errors.Is(err, ErrPageIO) {
			t.Fatalf("expected ErrPageIO from seek, got %v", err)
		}
	})

	t.Run("Reset Moves Write Window", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)
		for i := 0; i < 5; i++ {
			buffer.Add(tagged(i))
		}
		buffer.Next(context.Background())

		if err := buffer.Reset(); err != nil {
			t.Fatalf("reset: %v", err)
		}
		if !buffer.IsEmpty() || buffer.Fill() != 0 {
			t.Fatalf("expected empty buffer after reset")
		}

		buffer.Add(tagged(50))
		buffer.Add(tagged(51))
		expectPeek(t, buffer, 50)

		chunk, _ := buffer.Next(context.Background())
		if !chunk.Equal(tagged(50)) {
			t.Fatalf("expected chunk 50, got %v", chunk.Data)
		}
		expectPeek(t, buffer, 51)
	})

	t.Run("Close Releases Blocked Next", func(t *testing.T) {
		buffer := newDiskBuffer(t, 10, 3)
		result := make(chan error, 1)

		go func() {
			_, err := buffer.Next(context.Background())
			result <- err
		}()

		time.Sleep(30 * time.Millisecond)
		buffer.Close()

		select {
		case err := <-result:
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("blocked next did not return after close")
		}
	})
}

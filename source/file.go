package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	sb "github.com/sushydev/seek_buffer_go"
)

func init() {
	Register("file", func(ctx context.Context, desc sb.StreamDescriptor) (sb.ByteSource, error) {
		path, err := localPath(desc.Locator)
		if err != nil {
			return nil, err
		}

		source, err := OpenFile(path)
		if err != nil {
			return nil, err
		}

		if desc.Kind == sb.StreamLive {
			if err := source.Follow(ctx); err != nil {
				source.Close()
				return nil, err
			}
		}

		return source, nil
	})
}

func localPath(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse locator: %w", err)
	}

	if u.Scheme == "" {
		return locator, nil
	}

	if u.Host != "" {
		return filepath.Join(u.Host, u.Path), nil
	}
	return u.Path, nil
}

// FileSource reads ranges of a local file. With Follow it tracks a file that is
// still being written.
type FileSource struct {
	path   string
	file   *os.File
	length atomic.Int64

	mu      sync.RWMutex
	closed  bool
	watcher *fsnotify.Watcher
}

var _ sb.ByteSource = &FileSource{}

func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("source %s is a directory", path)
	}

	source := &FileSource{path: path, file: file}
	source.length.Store(info.Size())

	return source, nil
}

func (s *FileSource) Length() int64 {
	return s.length.Load()
}

func (s *FileSource) ReadRange(ctx context.Context, start int64, size int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remaining := s.Length() - start
	if remaining <= 0 {
		return nil, io.EOF
	}

	data := make([]byte, min(int64(size), remaining))
	n, err := s.file.ReadAt(data, start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %d bytes at %d: %w", len(data), start, err)
	}

	return data[:n], nil
}

// Follow refreshes Length whenever the file is written until ctx ends or the
// source is closed.
func (s *FileSource) Follow(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		watcher.Close()
		return ErrClosed
	}
	s.watcher = watcher
	s.mu.Unlock()

	go s.follow(ctx, watcher)

	return nil
}

func (s *FileSource) follow(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			s.stopWatcher()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) {
				s.refreshLength()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("source watcher error", "path", s.path, "err", err)
		}
	}
}

func (s *FileSource) refreshLength() {
	info, err := os.Stat(s.path)
	if err != nil {
		slog.Warn("source stat failed", "path", s.path, "err", err)
		return
	}

	// A live recording only grows.
	for {
		current := s.length.Load()
		if info.Size() <= current || s.length.CompareAndSwap(current, info.Size()) {
			return
		}
	}
}

func (s *FileSource) stopWatcher() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}
}

func (s *FileSource) Close() error {
	s.stopWatcher()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.file.Close()
}

// Package source provides the byte sources a RangeFetchBuffer reads from.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	sb "github.com/sushydev/seek_buffer_go"
)

// ErrProtocol is returned when a remote source cannot serve byte ranges.
var ErrProtocol = errors.New("source: server cannot serve ranges")

// ErrClosed is returned by reads on a closed source.
var ErrClosed = errors.New("source: closed")

type OpenFunc func(ctx context.Context, desc sb.StreamDescriptor) (sb.ByteSource, error)

var (
	openersMu sync.RWMutex
	openers   = make(map[string]OpenFunc)
)

// Register binds a locator scheme to an opener.
func Register(scheme string, open OpenFunc) error {
	openersMu.Lock()
	defer openersMu.Unlock()

	if _, ok := openers[scheme]; ok {
		return fmt.Errorf("duplicate opener for scheme %q", scheme)
	}
	openers[scheme] = open
	return nil
}

// Open picks the opener by the scheme of desc.Locator. A locator without a
// scheme is a local path.
func Open(ctx context.Context, desc sb.StreamDescriptor) (sb.ByteSource, error) {
	u, err := url.Parse(desc.Locator)
	if err != nil {
		return nil, fmt.Errorf("parse locator: %w", err)
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "file"
	}

	openersMu.RLock()
	open, ok := openers[scheme]
	openersMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported scheme: %s", scheme)
	}

	return open(ctx, desc)
}

// Opener adapts Open for restoring fetch buffers from snapshots.
func Opener(ctx context.Context) sb.SourceOpener {
	return func(desc sb.StreamDescriptor) (sb.ByteSource, error) {
		return Open(ctx, desc)
	}
}

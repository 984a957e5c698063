package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	sb "github.com/sushydev/seek_buffer_go"
)

func init() {
	open := func(ctx context.Context, desc sb.StreamDescriptor) (sb.ByteSource, error) {
		headers := make(map[string]string, len(desc.Headers)+1)
		for key, value := range desc.Headers {
			headers[key] = value
		}

		// The credentials reference names an environment variable holding the
		// Authorization header value.
		if desc.CredentialsRef != "" {
			if value := os.Getenv(desc.CredentialsRef); value != "" {
				headers["Authorization"] = value
			}
		}

		return NewHTTPSource(ctx, desc.Locator, HTTPOptions{Headers: headers})
	}
	Register("http", open)
	Register("https", open)
}

type HTTPOptions struct {
	Client  *http.Client
	Headers map[string]string
}

// HTTPSource reads ranges of a remote object with Range requests. The server
// must advertise byte ranges and a length in its HEAD response.
type HTTPSource struct {
	url     string
	client  *http.Client
	headers map[string]string
	length  int64
	closed  atomic.Bool
}

var _ sb.ByteSource = &HTTPSource{}

func NewHTTPSource(ctx context.Context, url string, opts HTTPOptions) (*HTTPSource, error) {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	source := &HTTPSource{
		url:     url,
		client:  client,
		headers: opts.Headers,
	}

	if err := source.negotiate(ctx); err != nil {
		return nil, err
	}

	return source, nil
}

func (s *HTTPSource) newRequest(ctx context.Context, method string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}

	for key, value := range s.headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func (s *HTTPSource) negotiate(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodHead)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HEAD %s: %w", s.url, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HEAD %s: %s", ErrProtocol, s.url, resp.Status)
	}

	if !strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes") {
		return fmt.Errorf("%w: %s does not accept byte ranges", ErrProtocol, s.url)
	}

	if resp.Header.Get("Content-Length") == "" || resp.ContentLength < 0 {
		return fmt.Errorf("%w: %s has no content length", ErrProtocol, s.url)
	}

	s.length = resp.ContentLength

	return nil
}

func (s *HTTPSource) Length() int64 {
	return s.length
}

func (s *HTTPSource) ReadRange(ctx context.Context, start int64, size int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	if start >= s.length {
		return nil, io.EOF
	}

	end := min(start+int64(size), s.length) - 1

	req, err := s.newRequest(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Some servers answer a whole-object range with the plain object.
		if start != 0 || end != s.length-1 {
			return nil, fmt.Errorf("%w: %s ignored range %d-%d", ErrProtocol, s.url, start, end)
		}
	default:
		return nil, fmt.Errorf("GET %s range %d-%d: %s", s.url, start, end, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, end-start+1))
	if err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}

	return data, nil
}

func (s *HTTPSource) Close() error {
	s.closed.Store(true)
	return nil
}

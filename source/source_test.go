package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sb "github.com/sushydev/seek_buffer_go"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stream.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// drainFetch reads a fetch buffer until the source is exhausted.
func drainFetch(t *testing.T, buffer *sb.RangeFetchBuffer) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []byte
	for {
		chunk, err := buffer.Next(ctx)
		if errors.Is(err, sb.ErrClosed) {
			return out
		}
		require.NoError(t, err)
		out = append(out, chunk.Data...)
	}
}

func TestFileSource(t *testing.T) {
	ctx := context.Background()
	data := testData(25)

	t.Run("Reads Ranges", func(t *testing.T) {
		source, err := OpenFile(writeFile(t, data))
		require.NoError(t, err)
		defer source.Close()

		assert.Equal(t, int64(25), source.Length())

		got, err := source.ReadRange(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, data[:10], got)

		got, err = source.ReadRange(ctx, 20, 10)
		require.NoError(t, err)
		assert.Equal(t, data[20:], got)

		_, err = source.ReadRange(ctx, 25, 1)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Closed", func(t *testing.T) {
		source, err := OpenFile(writeFile(t, data))
		require.NoError(t, err)

		require.NoError(t, source.Close())
		require.NoError(t, source.Close())

		_, err = source.ReadRange(ctx, 0, 1)
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := OpenFile(filepath.Join(t.TempDir(), "missing"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Directory", func(t *testing.T) {
		_, err := OpenFile(t.TempDir())
		assert.Error(t, err)
	})

	t.Run("Follow Tracks Growth", func(t *testing.T) {
		path := writeFile(t, data)

		source, err := OpenFile(path)
		require.NoError(t, err)
		defer source.Close()

		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		require.NoError(t, source.Follow(followCtx))

		file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = file.Write(testData(10))
		require.NoError(t, err)
		require.NoError(t, file.Close())

		require.Eventually(t, func() bool {
			return source.Length() == 35
		}, 2*time.Second, 10*time.Millisecond)

		got, err := source.ReadRange(ctx, 25, 10)
		require.NoError(t, err)
		assert.Equal(t, testData(10), got)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, testData(8))

	t.Run("Bare Path", func(t *testing.T) {
		source, err := Open(ctx, sb.StreamDescriptor{Locator: path})
		require.NoError(t, err)
		defer source.Close()

		assert.IsType(t, &FileSource{}, source)
		assert.Equal(t, int64(8), source.Length())
	})

	t.Run("File URL", func(t *testing.T) {
		source, err := Open(ctx, sb.StreamDescriptor{Locator: "file://" + path})
		require.NoError(t, err)
		defer source.Close()

		assert.Equal(t, int64(8), source.Length())
	})

	t.Run("Unknown Scheme", func(t *testing.T) {
		_, err := Open(ctx, sb.StreamDescriptor{Locator: "gopher://example.com/stream"})
		assert.ErrorContains(t, err, "unsupported scheme")
	})

	t.Run("Duplicate Scheme", func(t *testing.T) {
		err := Register("file", func(context.Context, sb.StreamDescriptor) (sb.ByteSource, error) {
			return nil, nil
		})
		assert.Error(t, err)
	})
}

func rangeServer(t *testing.T, data []byte, check func(r *http.Request) bool) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil && !check(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "stream.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestHTTPSource(t *testing.T) {
	ctx := context.Background()
	data := testData(1000)

	t.Run("Reads Ranges", func(t *testing.T) {
		server := rangeServer(t, data, nil)

		source, err := NewHTTPSource(ctx, server.URL, HTTPOptions{})
		require.NoError(t, err)
		defer source.Close()

		assert.Equal(t, int64(1000), source.Length())

		got, err := source.ReadRange(ctx, 100, 50)
		require.NoError(t, err)
		assert.Equal(t, data[100:150], got)

		got, err = source.ReadRange(ctx, 995, 50)
		require.NoError(t, err)
		assert.Equal(t, data[995:], got)

		_, err = source.ReadRange(ctx, 1000, 1)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("Rejects Server Without Ranges", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		}))
		defer server.Close()

		_, err := NewHTTPSource(ctx, server.URL, HTTPOptions{})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("Rejects Ignored Range", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Write(data)
		}))
		defer server.Close()

		source, err := NewHTTPSource(ctx, server.URL, HTTPOptions{})
		require.NoError(t, err)

		_, err = source.ReadRange(ctx, 10, 5)
		assert.ErrorIs(t, err, ErrProtocol)

		got, err := source.ReadRange(ctx, 0, len(data))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Sends Credentials From Env", func(t *testing.T) {
		t.Setenv("SEEKBUF_TEST_TOKEN", "Bearer secret")

		server := rangeServer(t, data, func(r *http.Request) bool {
			return r.Header.Get("Authorization") == "Bearer secret" && r.Header.Get("X-Client") == "seekbuf"
		})

		desc := sb.StreamDescriptor{
			Locator:        server.URL,
			CredentialsRef: "SEEKBUF_TEST_TOKEN",
			Headers:        map[string]string{"X-Client": "seekbuf"},
		}

		source, err := Open(ctx, desc)
		require.NoError(t, err)
		defer source.Close()

		got, err := source.ReadRange(ctx, 0, 4)
		require.NoError(t, err)
		assert.Equal(t, data[:4], got)

		desc.CredentialsRef = "SEEKBUF_TEST_MISSING"
		_, err = Open(ctx, desc)
		assert.Error(t, err)
	})

	t.Run("Closed", func(t *testing.T) {
		server := rangeServer(t, data, nil)

		source, err := NewHTTPSource(ctx, server.URL, HTTPOptions{})
		require.NoError(t, err)
		require.NoError(t, source.Close())

		_, err = source.ReadRange(ctx, 0, 1)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestFetchOverSources(t *testing.T) {
	ctx := context.Background()
	data := testData(1000)
	cfg := sb.FetchConfig{BufferedChunks: 4, ChunkSize: 16}

	t.Run("HTTP", func(t *testing.T) {
		server := rangeServer(t, data, nil)

		source, err := Open(ctx, sb.StreamDescriptor{Locator: server.URL})
		require.NoError(t, err)

		buffer, err := sb.NewRangeFetchBuffer(source, cfg)
		require.NoError(t, err)
		defer buffer.Close()

		assert.Equal(t, data, drainFetch(t, buffer))
	})

	t.Run("Live File Keeps Following", func(t *testing.T) {
		path := writeFile(t, testData(20))
		desc := sb.StreamDescriptor{Locator: path, Kind: sb.StreamLive}

		followCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		source, err := Open(followCtx, desc)
		require.NoError(t, err)

		buffer, err := sb.NewRangeFetchBuffer(source, sb.FetchConfig{BufferedChunks: 4, ChunkSize: 10, Live: true})
		require.NoError(t, err)
		defer buffer.Close()

		for i := 0; i < 2; i++ {
			_, err := buffer.Next(ctx)
			require.NoError(t, err)
		}

		go func() {
			time.Sleep(50 * time.Millisecond)
			file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return
			}
			file.Write([]byte("0123456789"))
			file.Close()
		}()

		readCtx, cancelRead := context.WithTimeout(ctx, 3*time.Second)
		defer cancelRead()

		chunk, err := buffer.Next(readCtx)
		require.NoError(t, err)
		assert.Equal(t, []byte("0123456789"), chunk.Data)
		assert.Equal(t, int64(30), source.Length())
	})

	t.Run("Snapshot Reopens Source", func(t *testing.T) {
		desc := sb.StreamDescriptor{Locator: writeFile(t, data), Kind: sb.StreamDownload}

		source, err := Open(ctx, desc)
		require.NoError(t, err)

		buffer, err := sb.NewRangeFetchBuffer(source, cfg)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err := buffer.Next(ctx)
			require.NoError(t, err)
		}

		snapshot, err := sb.ToSnapshot(buffer, desc)
		require.NoError(t, err)
		require.NoError(t, buffer.Close())

		restored, err := sb.FromSnapshot(snapshot, Opener(ctx))
		require.NoError(t, err)
		defer restored.Close()

		fetch, ok := restored.(*sb.RangeFetchBuffer)
		require.True(t, ok)
		assert.Equal(t, data[32:], drainFetch(t, fetch))
	})
}

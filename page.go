package seek_buffer_go

import (
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

const pageFileSuffix = ".page"

// pageRecord is the object written to a page file: a snappy framed gob stream.
type pageRecord struct {
	Base     int
	Chunks   []Chunk
	Checksum uint64
}

// pagePath names a page file by the base offset of the slots it holds.
func pagePath(dir string, base int) string {
	return filepath.Join(dir, strconv.Itoa(base)+pageFileSuffix)
}

func pageChecksum(chunks []Chunk) uint64 {
	digest := xxhash.New()
	var ts [8]byte

	for _, chunk := range chunks {
		_, _ = digest.Write(chunk.Data)
		_, _ = digest.WriteString(chunk.Metadata)
		binary.LittleEndian.PutUint64(ts[:], uint64(chunk.Timestamp))
		_, _ = digest.Write(ts[:])
	}

	return digest.Sum64()
}

func writePage(dir string, base int, chunks []Chunk) error {
	path := pagePath(dir, base)
	tmpPath := path + ".tmp"

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create page %d: %w", base, err)
	}

	writer := snappy.NewBufferedWriter(file)
	record := pageRecord{
		Base:     base,
		Chunks:   chunks,
		Checksum: pageChecksum(chunks),
	}

	if err := gob.NewEncoder(writer).Encode(&record); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode page %d: %w", base, err)
	}

	if err := writer.Close(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("flush page %d: %w", base, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close page %d: %w", base, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename page %d: %w", base, err)
	}

	return nil
}

// readPage loads the page at base. A missing file is an unwritten part of the
// address space and comes back as size empty chunks.
func readPage(dir string, base int, size int) ([]Chunk, error) {
	page := make([]Chunk, size)
	for i := range page {
		page[i] = EmptyChunk
	}

	file, err := os.Open(pagePath(dir, base))
	if errors.Is(err, os.ErrNotExist) {
		return page, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open page %d: %w", base, err)
	}
	defer file.Close()

	var record pageRecord
	if err := gob.NewDecoder(snappy.NewReader(file)).Decode(&record); err != nil {
		return nil, fmt.Errorf("decode page %d: %w", base, err)
	}

	if record.Base != base {
		return nil, fmt.Errorf("page %d holds base %d", base, record.Base)
	}

	if pageChecksum(record.Chunks) != record.Checksum {
		return nil, fmt.Errorf("page %d checksum mismatch", base)
	}

	for i, chunk := range record.Chunks {
		if i >= size {
			break
		}
		if chunk.Data == nil {
			chunk.Data = []byte{}
		}
		page[i] = chunk
	}

	return page, nil
}

// removePages deletes every page file in dir.
func removePages(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), pageFileSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

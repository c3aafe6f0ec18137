package upload

import (
	"fmt"
	"io"
	"os"
)

// ChunkProvider provides the chunks of an upload in order.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// GetChunk returns the content of the chunk at the given index.
	// For retries, GetChunk may be called multiple times for the same index.
	GetChunk(index int) ([]byte, error)
}

// FileChunkProvider reads chunks from a file on disk.
type FileChunkProvider struct {
	file      *os.File
	size      int64
	chunkSize int64
}

// NewFileChunkProvider creates a ChunkProvider that splits the file at path into chunks
// of chunkSize bytes.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size should be positive, got %d", chunkSize)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	return &FileChunkProvider{
		file:      file,
		size:      info.Size(),
		chunkSize: chunkSize,
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return int((p.size + p.chunkSize - 1) / p.chunkSize)
}

// GetChunk reads the chunk at the given index into memory.
func (p *FileChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= p.NumChunks() {
		return nil, fmt.Errorf("chunk %d out of range", index+1)
	}
	offset := int64(index) * p.chunkSize
	size := p.chunkSize
	if offset+size > p.size {
		size = p.size - offset
	}

	chunk := make([]byte, size)
	if _, err := p.file.ReadAt(chunk, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk %d: %w", index+1, err)
	}
	return chunk, nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ByteSliceChunkProvider provides chunks from pre-loaded byte slices.
// Chunks may be empty.
type ByteSliceChunkProvider struct {
	chunks [][]byte
}

// NewByteSliceChunkProvider creates a ChunkProvider from byte slices.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	return &ByteSliceChunkProvider{chunks: chunks}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// GetChunk returns the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk %d out of range", index+1)
	}
	return p.chunks[index], nil
}

// Package chunker splits a raw image file into fixed-size chunk files so
// that each piece can be transferred and flashed independently.
package chunker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang/glog"
)

var (
	// ErrImageUnreadable means the source image could not be fully read.
	ErrImageUnreadable = errors.New("image unreadable")
	// ErrStorage means a chunk file could not be written to local storage.
	ErrStorage = errors.New("chunk storage error")
)

// Chunk is one contiguous slice of the source image, materialized as a
// standalone file. Chunks are ordered, non-overlapping, and together cover
// the image exactly once.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
	Path   string
	// Zero is set when every byte of the chunk is 0x00. Such chunks can be
	// reproduced on the device with a memory fill instead of a transfer.
	Zero bool
}

// Split reads the image at imagePath and writes its chunks into destDir.
// Boundaries depend only on the image length and chunkSize, so repeated
// calls with the same inputs produce the same chunk list. The last chunk
// may be shorter than chunkSize.
func Split(imagePath, destDir string, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %q: %v", ErrImageUnreadable, imagePath, err)
	}
	defer f.Close()

	var chunks []Chunk
	var offset int64
	buf := make([]byte, chunkSize)

	for index := 0; ; index++ {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: reading %q at offset %d: %v", ErrImageUnreadable, imagePath, offset, err)
		}

		data := buf[:n]
		path := filepath.Join(destDir, fmt.Sprintf("chunk_%04d.bin", index))
		if werr := os.WriteFile(path, data, 0644); werr != nil {
			return nil, fmt.Errorf("%w: cannot write %q: %v", ErrStorage, path, werr)
		}

		chunks = append(chunks, Chunk{
			Index:  index,
			Offset: offset,
			Length: int64(n),
			Path:   path,
			Zero:   allZero(data),
		})
		offset += int64(n)

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	glog.V(1).Infof("Split %q into %d chunks, %d bytes total", imagePath, len(chunks), offset)
	return chunks, nil
}

// TotalLength returns the byte length covered by chunks.
func TotalLength(chunks []Chunk) int64 {
	var total int64
	for _, c := range chunks {
		total += c.Length
	}
	return total
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

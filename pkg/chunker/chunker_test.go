package chunker

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Cannot write test image: %v", err)
	}
	return path
}

func patternedImage(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	// Keep at least one byte non-zero so no chunk is detected as all-zero.
	if size > 0 {
		data[0] = 0xA5
	}
	return data
}

func TestSplitRoundTrip(t *testing.T) {
	testCases := []struct {
		desc       string
		imageSize  int
		chunkSize  int64
		wantChunks int
		wantLast   int64
	}{
		{
			desc:       "Image divides evenly",
			imageSize:  8192,
			chunkSize:  2048,
			wantChunks: 4,
			wantLast:   2048,
		},
		{
			desc:       "Short last chunk",
			imageSize:  10000,
			chunkSize:  4096,
			wantChunks: 3,
			wantLast:   10000 - 2*4096,
		},
		{
			desc:       "Image smaller than one chunk",
			imageSize:  100,
			chunkSize:  4096,
			wantChunks: 1,
			wantLast:   100,
		},
	}

	for _, tc := range testCases {
		data := patternedImage(tc.imageSize)
		imagePath := writeTestImage(t, data)
		destDir := t.TempDir()

		chunks, err := Split(imagePath, destDir, tc.chunkSize)
		if err != nil {
			t.Fatalf("Test %q: Split failed: %v", tc.desc, err)
		}
		if len(chunks) != tc.wantChunks {
			t.Fatalf("Test %q: got %d chunks, want %d", tc.desc, len(chunks), tc.wantChunks)
		}
		if last := chunks[len(chunks)-1].Length; last != tc.wantLast {
			t.Errorf("Test %q: last chunk length = %d, want %d", tc.desc, last, tc.wantLast)
		}
		if TotalLength(chunks) != int64(tc.imageSize) {
			t.Errorf("Test %q: total length = %d, want %d", tc.desc, TotalLength(chunks), tc.imageSize)
		}

		// Concatenating all chunk files in index order must reproduce the
		// original image byte for byte.
		var rebuilt bytes.Buffer
		var offset int64
		for i, c := range chunks {
			if c.Index != i {
				t.Errorf("Test %q: chunk %d has index %d", tc.desc, i, c.Index)
			}
			if c.Offset != offset {
				t.Errorf("Test %q: chunk %d offset = %d, want %d", tc.desc, i, c.Offset, offset)
			}
			fileData, err := os.ReadFile(c.Path)
			if err != nil {
				t.Fatalf("Test %q: cannot read chunk file: %v", tc.desc, err)
			}
			if int64(len(fileData)) != c.Length {
				t.Errorf("Test %q: chunk %d file is %d bytes, metadata says %d", tc.desc, i, len(fileData), c.Length)
			}
			rebuilt.Write(fileData)
			offset += c.Length
		}
		if !bytes.Equal(rebuilt.Bytes(), data) {
			t.Errorf("Test %q: reassembled image differs from the original", tc.desc)
		}
	}
}

func TestSplitDeterministic(t *testing.T) {
	data := patternedImage(10000)
	imagePath := writeTestImage(t, data)

	first, err := Split(imagePath, t.TempDir(), 3000)
	if err != nil {
		t.Fatalf("First Split failed: %v", err)
	}
	second, err := Split(imagePath, t.TempDir(), 3000)
	if err != nil {
		t.Fatalf("Second Split failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Offset != second[i].Offset || first[i].Length != second[i].Length {
			t.Errorf("Chunk %d boundaries differ: (%d,%d) vs (%d,%d)",
				i, first[i].Offset, first[i].Length, second[i].Offset, second[i].Length)
		}
	}
}

func TestSplitDetectsZeroChunks(t *testing.T) {
	// Chunk 0 has data, chunk 1 is all zeroes, chunk 2 has one non-zero byte.
	data := make([]byte, 3*512)
	data[0] = 0x01
	data[2*512+511] = 0xFF
	imagePath := writeTestImage(t, data)

	chunks, err := Split(imagePath, t.TempDir(), 512)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	wantZero := []bool{false, true, false}
	for i, c := range chunks {
		if c.Zero != wantZero[i] {
			t.Errorf("Chunk %d: Zero = %t, want %t", i, c.Zero, wantZero[i])
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split(filepath.Join(t.TempDir(), "nope.bin"), t.TempDir(), 512); !errors.Is(err, ErrImageUnreadable) {
		t.Errorf("Missing image: got %v, want ErrImageUnreadable", err)
	}

	imagePath := writeTestImage(t, patternedImage(1024))
	if _, err := Split(imagePath, filepath.Join(t.TempDir(), "missing-dir"), 512); !errors.Is(err, ErrStorage) {
		t.Errorf("Bad dest dir: got %v, want ErrStorage", err)
	}

	if _, err := Split(imagePath, t.TempDir(), 0); err == nil {
		t.Error("Zero chunk size: expected an error")
	}
}

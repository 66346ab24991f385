// ABOUTME: Tests for tsync file reading and writing
// ABOUTME: Covers round trips, checksums, truncation and naming
package tsyncfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func writeFile(t *testing.T, path string, blockSize int, pairs []Record) *Writer {
	t.Helper()

	w := NewWriter()
	w.SetFileName(path)
	w.SetBlockSize(blockSize)
	w.SetTimeNames("master-time", "camera-time")

	if err := w.Open("camera", uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), 1500*time.Microsecond); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, p := range pairs {
		if err := w.WriteTimes(p.Master, p.Secondary); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return w
}

func testPairs(n int) []Record {
	pairs := make([]Record, n)
	for i := range pairs {
		pairs[i] = Record{Master: int64(i)*1000 + 2500, Secondary: int64(i) * 1000}
	}
	return pairs
}

func TestSetFileNameAppendsExtension(t *testing.T) {
	w := NewWriter()

	w.SetFileName("/tmp/camera")
	if w.FileName() != "/tmp/camera.tsync" {
		t.Errorf("expected /tmp/camera.tsync, got %s", w.FileName())
	}

	w.SetFileName("/tmp/other.tsync")
	if w.FileName() != "/tmp/other.tsync" {
		t.Errorf("expected extension to not be doubled, got %s", w.FileName())
	}
}

func TestOpenWithoutFileName(t *testing.T) {
	w := NewWriter()
	if err := w.Open("mod", uuid.New(), time.Millisecond); !errors.Is(err, ErrNoFileName) {
		t.Errorf("expected ErrNoFileName, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "camera")
	pairs := testPairs(25)

	w := writeFile(t, path, 10, pairs)
	if w.RecordCount() != 25 {
		t.Errorf("expected 25 records, got %d", w.RecordCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	h, recs, err := ReadFile(path + Extension)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if h.ModuleName != "camera" {
		t.Errorf("expected module camera, got %s", h.ModuleName)
	}
	if h.CollectionID.String() != "6ba7b810-9dad-11d1-80b4-00c04fd430c8" {
		t.Errorf("unexpected collection id %s", h.CollectionID)
	}
	if h.Tolerance != 1500*time.Microsecond {
		t.Errorf("expected tolerance 1.5ms, got %v", h.Tolerance)
	}
	if h.BlockSize != 10 {
		t.Errorf("expected block size 10, got %d", h.BlockSize)
	}
	if h.Mode != ModeSyncPoints {
		t.Errorf("expected sync-points mode, got %v", h.Mode)
	}
	if h.TimeNames[1] != "camera-time" {
		t.Errorf("expected camera-time, got %s", h.TimeNames[1])
	}
	if h.TimeUnits[0] != UnitMicroseconds || h.DataTypes[0] != DataTypeInt64 {
		t.Errorf("unexpected column format %v/%v", h.TimeUnits[0], h.DataTypes[0])
	}

	if len(recs) != len(pairs) {
		t.Fatalf("expected %d records, got %d", len(pairs), len(recs))
	}
	for i := range pairs {
		if recs[i] != pairs[i] {
			t.Errorf("record %d: expected %+v, got %+v", i, pairs[i], recs[i])
		}
	}
}

func TestNegativeValuesSurvive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neg")
	w := writeFile(t, path, 4, []Record{{Master: -2500, Secondary: 0}, {Master: 10, Secondary: -10}})
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	_, recs, err := ReadFile(path + Extension)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(recs) != 2 || recs[0].Master != -2500 || recs[1].Secondary != -10 {
		t.Errorf("unexpected records %+v", recs)
	}
}

func TestFlushMakesDataVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flush")
	w := writeFile(t, path, 100, testPairs(3))
	defer w.Close()

	if err := w.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	// without the end marker the file reads as truncated, but data is there
	_, recs, err := ReadFile(path + Extension)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated for an unclosed file, got %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 flushed records, got %d", len(recs))
	}
}

func TestTruncatedBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc")
	w := writeFile(t, path, 5, testPairs(12))
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path + Extension)
	if err != nil {
		t.Fatal(err)
	}

	// cut into the third block
	r, err := NewReader(bytes.NewReader(data[:len(data)-20]))
	if err != nil {
		t.Fatalf("header should be intact: %v", err)
	}
	recs, err := r.ReadAll()
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
	if len(recs) != 10 {
		t.Errorf("expected the 10 records of complete blocks, got %d", len(recs))
	}
}

func TestCorruptBlockDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt")
	w := writeFile(t, path, 5, testPairs(5))
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path + Extension)
	if err != nil {
		t.Fatal(err)
	}

	// trailer is the end marker (4 + 8 bytes) preceded by the block checksum
	// and the last record; flip a byte in that record
	data[len(data)-12-8-3] ^= 0xFF

	r, err := NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("header should be intact: %v", err)
	}
	if _, err := r.ReadAll(); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}
}

func TestCorruptHeaderDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hdr")
	w := writeFile(t, path, 5, nil)
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path + Extension)
	if err != nil {
		t.Fatal(err)
	}

	// first byte of the module name
	data[8+2+8+2] ^= 0x20
	if _, err := NewReader(bytes.NewReader(data)); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}
}

func TestBadMagic(t *testing.T) {
	if _, err := NewReader(bytes.NewReader([]byte("definitely not tsync"))); !errors.Is(err, ErrBadMagic) {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
}

func TestWriteAfterCloseIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed")
	w := writeFile(t, path, 5, testPairs(2))
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if err := w.WriteTimes(1, 2); err != nil {
		t.Errorf("expected write after close to be ignored, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	if w.IsOpen() {
		t.Error("expected writer to be closed")
	}
}

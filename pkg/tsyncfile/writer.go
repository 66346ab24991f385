// ABOUTME: Buffered tsync file writer
// ABOUTME: Collects timestamp pairs into checksummed blocks and flushes periodically
package tsyncfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
)

// DefaultFlushInterval is how long written pairs may sit in memory
const DefaultFlushInterval = 30 * time.Second

// Writer appends timestamp pairs to a tsync file.
// A Writer is not safe for concurrent use.
type Writer struct {
	fileName      string
	mode          Mode
	timeNames     [2]string
	timeUnits     [2]TimeUnit
	blockSize     int
	flushInterval time.Duration

	file      *os.File
	bw        *bufio.Writer
	block     []Record
	scratch   []byte
	lastFlush time.Time
	records   int
}

// NewWriter creates a writer for microsecond sync points
func NewWriter() *Writer {
	return &Writer{
		mode:          ModeSyncPoints,
		timeNames:     [2]string{"master-time", "secondary-time"},
		timeUnits:     [2]TimeUnit{UnitMicroseconds, UnitMicroseconds},
		blockSize:     DefaultBlockSize,
		flushInterval: DefaultFlushInterval,
	}
}

// SetFileName sets the output path, appending the tsync extension if missing
func (w *Writer) SetFileName(fname string) {
	if fname != "" && !strings.HasSuffix(fname, Extension) {
		fname += Extension
	}
	w.fileName = fname
}

// FileName returns the output path
func (w *Writer) FileName() string {
	return w.fileName
}

// SetSyncMode sets how readers should interpret the records
func (w *Writer) SetSyncMode(mode Mode) {
	w.mode = mode
}

// SetTimeNames sets the column names stored in the header
func (w *Writer) SetTimeNames(master, secondary string) {
	w.timeNames = [2]string{master, secondary}
}

// SetTimeUnits sets the column units stored in the header
func (w *Writer) SetTimeUnits(master, secondary TimeUnit) {
	w.timeUnits = [2]TimeUnit{master, secondary}
}

// SetBlockSize sets how many records go into one checksummed block
func (w *Writer) SetBlockSize(n int) {
	if n < 1 {
		n = DefaultBlockSize
	}
	w.blockSize = n
}

// SetFlushInterval sets the maximum time between flushes to disk
func (w *Writer) SetFlushInterval(d time.Duration) {
	w.flushInterval = d
}

// IsOpen reports whether the file is open for writing
func (w *Writer) IsOpen() bool {
	return w.file != nil
}

// RecordCount returns the number of pairs written since Open
func (w *Writer) RecordCount() int {
	return w.records
}

// Open creates the file, truncating an existing one, and writes the header
func (w *Writer) Open(moduleName string, collectionID uuid.UUID, tolerance time.Duration) error {
	if w.fileName == "" {
		return ErrNoFileName
	}
	if w.file != nil {
		_ = w.Close()
	}

	if dir := filepath.Dir(w.fileName); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	f, err := os.Create(w.fileName)
	if err != nil {
		return fmt.Errorf("create tsync file: %w", err)
	}

	h := Header{
		Version:      FormatVersion,
		CreationTime: time.Now(),
		ModuleName:   moduleName,
		CollectionID: collectionID,
		Mode:         w.mode,
		Tolerance:    tolerance,
		BlockSize:    w.blockSize,
		TimeNames:    w.timeNames,
		TimeUnits:    w.timeUnits,
		DataTypes:    [2]DataType{DataTypeInt64, DataTypeInt64},
	}
	raw := h.encode()
	raw = binary.LittleEndian.AppendUint64(raw, xxhash.Sum64(raw))

	bw := bufio.NewWriter(f)
	if _, err := bw.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}

	w.file = f
	w.bw = bw
	w.block = make([]Record, 0, w.blockSize)
	w.lastFlush = time.Now()
	w.records = 0
	return nil
}

// WriteTimes appends one pair. Writes to a closed writer are ignored.
func (w *Writer) WriteTimes(master, secondary int64) error {
	if w.file == nil {
		return nil
	}

	w.block = append(w.block, Record{Master: master, Secondary: secondary})
	w.records++

	if len(w.block) >= w.blockSize {
		if err := w.writeBlock(); err != nil {
			return err
		}
	}
	if w.flushInterval > 0 && time.Since(w.lastFlush) >= w.flushInterval {
		return w.Flush()
	}
	return nil
}

// Flush writes pending pairs as a (possibly short) block and syncs buffers to the OS
func (w *Writer) Flush() error {
	if w.file == nil {
		return ErrNotOpen
	}
	if err := w.writeBlock(); err != nil {
		return err
	}
	w.lastFlush = time.Now()
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush tsync file: %w", err)
	}
	return nil
}

// Close flushes pending pairs, writes the end marker and closes the file.
// Closing a closed writer is a no-op.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}

	err := w.writeBlock()
	if err == nil {
		// an empty block marks a cleanly closed file
		err = w.writeRaw(nil)
	}
	if ferr := w.bw.Flush(); err == nil && ferr != nil {
		err = fmt.Errorf("flush tsync file: %w", ferr)
	}
	if cerr := w.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close tsync file: %w", cerr)
	}

	w.file = nil
	w.bw = nil
	w.block = nil
	return err
}

func (w *Writer) writeBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	err := w.writeRaw(w.block)
	w.block = w.block[:0]
	return err
}

func (w *Writer) writeRaw(recs []Record) error {
	buf := w.scratch[:0]
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(recs)))
	for _, r := range recs {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Master))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Secondary))
	}
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
	w.scratch = buf

	if _, err := w.bw.Write(buf); err != nil {
		return fmt.Errorf("write tsync block: %w", err)
	}
	return nil
}

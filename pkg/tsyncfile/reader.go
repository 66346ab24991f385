// ABOUTME: tsync file reader
// ABOUTME: Validates header and block checksums while streaming records
package tsyncfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash"
)

// Reader reads records from a tsync stream
type Reader struct {
	r      *bufio.Reader
	header Header
	done   bool
	buf    []byte
}

// NewReader reads and validates the header of a tsync stream
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)

	h, raw, err := decodeHeader(br)
	if err != nil {
		return nil, err
	}

	var sum uint64
	if err := binary.Read(br, binary.LittleEndian, &sum); err != nil {
		return nil, fmt.Errorf("read header checksum: %w", noEOF(err))
	}
	if sum != xxhash.Sum64(raw) {
		return nil, fmt.Errorf("header: %w", ErrChecksum)
	}

	return &Reader{r: br, header: *h}, nil
}

// Header returns the file header
func (r *Reader) Header() Header {
	return r.header
}

// ReadBlock returns the next block of records.
// It returns io.EOF after the end marker and ErrTruncated if the stream
// ends without one.
func (r *Reader) ReadBlock() ([]Record, error) {
	if r.done {
		return nil, io.EOF
	}

	var countBuf [4]byte
	if _, err := io.ReadFull(r.r, countBuf[:]); err != nil {
		r.done = true
		return nil, noEOF(err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])
	if count > maxBlockRecords {
		r.done = true
		return nil, fmt.Errorf("%w: %d", ErrBlockTooBig, count)
	}

	need := 4 + int(count)*recordSize
	if cap(r.buf) < need {
		r.buf = make([]byte, need)
	}
	buf := r.buf[:need]
	copy(buf, countBuf[:])
	if _, err := io.ReadFull(r.r, buf[4:]); err != nil {
		r.done = true
		return nil, noEOF(err)
	}

	var sumBuf [8]byte
	if _, err := io.ReadFull(r.r, sumBuf[:]); err != nil {
		r.done = true
		return nil, noEOF(err)
	}
	if binary.LittleEndian.Uint64(sumBuf[:]) != xxhash.Sum64(buf) {
		r.done = true
		return nil, fmt.Errorf("block: %w", ErrChecksum)
	}

	if count == 0 {
		r.done = true
		return nil, io.EOF
	}

	recs := make([]Record, count)
	for i := range recs {
		off := 4 + i*recordSize
		recs[i].Master = int64(binary.LittleEndian.Uint64(buf[off:]))
		recs[i].Secondary = int64(binary.LittleEndian.Uint64(buf[off+8:]))
	}
	return recs, nil
}

// ReadAll returns all records. On error the records of all intact
// blocks before it are returned alongside.
func (r *Reader) ReadAll() ([]Record, error) {
	var all []Record
	for {
		recs, err := r.ReadBlock()
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, recs...)
	}
}

// ReadFile reads a whole tsync file
func ReadFile(path string) (Header, []Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		return Header{}, nil, err
	}
	recs, err := r.ReadAll()
	return r.Header(), recs, err
}

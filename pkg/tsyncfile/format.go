// ABOUTME: tsync binary layout definitions
// ABOUTME: Header fields, enums and little-endian encoding helpers
package tsyncfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the version written into new files
const FormatVersion uint16 = 1

// Extension is appended to file names that lack it
const Extension = ".tsync"

// DefaultBlockSize is the number of records per checksummed block
const DefaultBlockSize = 2048

// maxBlockRecords bounds allocations when reading corrupt files
const maxBlockRecords = 1 << 24

// recordSize is two little-endian int64 values
const recordSize = 16

var magic = [8]byte{0xC6, 0x1B, 0xA7, 'T', 'S', 'Y', 'N', 'C'}

var (
	// ErrNoFileName is returned when opening a writer without a file name
	ErrNoFileName = errors.New("tsync: no file name set")
	// ErrNotOpen is returned when flushing a writer that is not open
	ErrNotOpen = errors.New("tsync: file is not open")
	// ErrBadMagic is returned for files that do not start with the tsync magic
	ErrBadMagic = errors.New("tsync: not a tsync file")
	// ErrVersion is returned for files of an unsupported format version
	ErrVersion = errors.New("tsync: unsupported format version")
	// ErrChecksum is returned when a header or block checksum does not match
	ErrChecksum = errors.New("tsync: checksum mismatch")
	// ErrTruncated is returned when a file ends without its end marker
	ErrTruncated = errors.New("tsync: file is truncated")
	// ErrBlockTooBig is returned for block headers claiming more records than allowed
	ErrBlockTooBig = errors.New("tsync: block record count out of range")
)

// Mode describes how the records of a file should be interpreted
type Mode uint16

const (
	// ModeSyncPoints stores sparse pairs taken whenever the clocks diverged
	ModeSyncPoints Mode = iota + 1
	// ModeContinuous stores a pair for every sample
	ModeContinuous
)

func (m Mode) String() string {
	switch m {
	case ModeSyncPoints:
		return "sync-points"
	case ModeContinuous:
		return "continuous"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(m))
	}
}

// TimeUnit is the unit of one of the two time columns
type TimeUnit uint16

const (
	// UnitIndex counts samples rather than time
	UnitIndex TimeUnit = iota + 1
	// UnitNanoseconds is 1e-9 seconds
	UnitNanoseconds
	// UnitMicroseconds is 1e-6 seconds
	UnitMicroseconds
	// UnitMilliseconds is 1e-3 seconds
	UnitMilliseconds
	// UnitSeconds is whole seconds
	UnitSeconds
)

func (u TimeUnit) String() string {
	switch u {
	case UnitIndex:
		return "index"
	case UnitNanoseconds:
		return "ns"
	case UnitMicroseconds:
		return "µs"
	case UnitMilliseconds:
		return "ms"
	case UnitSeconds:
		return "s"
	default:
		return "?"
	}
}

// DataType is the storage type of one of the two time columns
type DataType uint16

const (
	DataTypeInt64 DataType = iota + 1
	DataTypeUInt64
)

func (d DataType) String() string {
	switch d {
	case DataTypeInt64:
		return "int64"
	case DataTypeUInt64:
		return "uint64"
	default:
		return "?"
	}
}

// Header is the metadata at the start of every tsync file
type Header struct {
	Version      uint16
	CreationTime time.Time
	ModuleName   string
	CollectionID uuid.UUID
	Mode         Mode
	Tolerance    time.Duration
	BlockSize    int
	TimeNames    [2]string
	TimeUnits    [2]TimeUnit
	DataTypes    [2]DataType
}

// Record is one (master, secondary) timestamp pair
type Record struct {
	Master    int64
	Secondary int64
}

func (h *Header) encode() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	buf.Write(magic[:])
	_ = binary.Write(&buf, le, h.Version)
	_ = binary.Write(&buf, le, h.CreationTime.Unix())
	writeString(&buf, h.ModuleName)
	buf.Write(h.CollectionID[:])
	_ = binary.Write(&buf, le, uint16(h.Mode))
	_ = binary.Write(&buf, le, h.Tolerance.Microseconds())
	_ = binary.Write(&buf, le, uint32(h.BlockSize))
	for i := 0; i < 2; i++ {
		writeString(&buf, h.TimeNames[i])
		_ = binary.Write(&buf, le, uint16(h.TimeUnits[i]))
		_ = binary.Write(&buf, le, uint16(h.DataTypes[i]))
	}

	return buf.Bytes()
}

// decodeHeader reads a header and returns it with the raw bytes it spans
func decodeHeader(r io.Reader) (*Header, []byte, error) {
	var raw bytes.Buffer
	tr := io.TeeReader(r, &raw)
	le := binary.LittleEndian

	var m [8]byte
	if _, err := io.ReadFull(tr, m[:]); err != nil {
		return nil, nil, fmt.Errorf("read magic: %w", noEOF(err))
	}
	if m != magic {
		return nil, nil, ErrBadMagic
	}

	h := &Header{}
	if err := binary.Read(tr, le, &h.Version); err != nil {
		return nil, nil, fmt.Errorf("read version: %w", noEOF(err))
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return nil, nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}

	var created int64
	if err := binary.Read(tr, le, &created); err != nil {
		return nil, nil, fmt.Errorf("read creation time: %w", noEOF(err))
	}
	h.CreationTime = time.Unix(created, 0)

	var err error
	if h.ModuleName, err = readString(tr); err != nil {
		return nil, nil, fmt.Errorf("read module name: %w", err)
	}
	if _, err := io.ReadFull(tr, h.CollectionID[:]); err != nil {
		return nil, nil, fmt.Errorf("read collection id: %w", noEOF(err))
	}

	var mode uint16
	var tolUsec int64
	var blockSize uint32
	if err := binary.Read(tr, le, &mode); err != nil {
		return nil, nil, fmt.Errorf("read mode: %w", noEOF(err))
	}
	if err := binary.Read(tr, le, &tolUsec); err != nil {
		return nil, nil, fmt.Errorf("read tolerance: %w", noEOF(err))
	}
	if err := binary.Read(tr, le, &blockSize); err != nil {
		return nil, nil, fmt.Errorf("read block size: %w", noEOF(err))
	}
	h.Mode = Mode(mode)
	h.Tolerance = time.Duration(tolUsec) * time.Microsecond
	h.BlockSize = int(blockSize)

	for i := 0; i < 2; i++ {
		if h.TimeNames[i], err = readString(tr); err != nil {
			return nil, nil, fmt.Errorf("read time name: %w", err)
		}
		var unit, dtype uint16
		if err := binary.Read(tr, le, &unit); err != nil {
			return nil, nil, fmt.Errorf("read time unit: %w", noEOF(err))
		}
		if err := binary.Read(tr, le, &dtype); err != nil {
			return nil, nil, fmt.Errorf("read data type: %w", noEOF(err))
		}
		h.TimeUnits[i] = TimeUnit(unit)
		h.DataTypes[i] = DataType(dtype)
	}

	return h, raw.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	if len(s) > 0xFFFF {
		s = s[:0xFFFF]
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", noEOF(err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", noEOF(err)
	}
	return string(b), nil
}

// noEOF maps a short read inside a structure to ErrTruncated
func noEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

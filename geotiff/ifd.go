package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
)

// Upper bounds guarding allocations against corrupt directories.
const (
	maxIFDEntries = 4096
	maxTagBytes   = 1 << 28
)

type Tag uint16

func (t Tag) String() string {
	if v, ok := tagToLabel[t]; ok {
		return v
	}
	return fmt.Sprintf("%d", t)
}

var fieldTypeNames = [...]string{
	BYTE: "BYTE", ASCII: "ASCII", SHORT: "SHORT", LONG: "LONG", RATIONAL: "RATIONAL",
	SBYTE: "SBYTE", UNDEFINED: "UNDEFINED", SSHORT: "SSHORT", SLONG: "SLONG",
	SRATIONAL: "SRATIONAL", FLOAT: "FLOAT", DOUBLE: "DOUBLE",
	LONG8: "LONG8", SLONG8: "SLONG8", IFD8: "IFD8",
}

func (f fieldType) String() string {
	if int(f) < len(fieldTypeNames) && fieldTypeNames[f] != "" {
		return fieldTypeNames[f]
	}
	return fmt.Sprintf("fieldType(%d)", uint16(f))
}

// bytes is the size of one value, 0 for unknown types.
func (f fieldType) bytes() uint32 {
	switch f {
	case BYTE, ASCII, SBYTE, UNDEFINED:
		return 1
	case SHORT, SSHORT:
		return 2
	case LONG, SLONG, FLOAT:
		return 4
	case RATIONAL, SRATIONAL, DOUBLE, LONG8, SLONG8, IFD8:
		return 8
	}
	return 0
}

// tagData is a decoded tag value. Only the slice matching fType is set,
// rationals are stored as doubles.
type tagData struct {
	fType      fieldType
	byteData   []uint8
	asciiData  string
	shortData  []uint16
	longData   []uint32
	floatData  []float32
	doubleData []float64
	uint64Data []uint64
}

type Tags map[Tag]tagData

// header is the fixed part at the start of a TIFF or BigTIFF file.
type header struct {
	order binary.ByteOrder
	big   bool
	ifd   uint64 // offset of the first IFD
}

func (h header) countLen() int {
	if h.big {
		return 8
	}
	return 2
}

func (h header) entryLen() int {
	if h.big {
		return 20
	}
	return 12
}

// inlineLen is the room for a value inside the entry itself.
func (h header) inlineLen() uint64 {
	if h.big {
		return 8
	}
	return 4
}

// readFull reads exactly len(p) bytes at off.
func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func readHeader(r io.ReaderAt) (header, error) {
	var h header
	buf := make([]byte, 16)
	n, err := r.ReadAt(buf, 0)
	if n < 8 {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return h, fmt.Errorf("reading header: %w", err)
	}

	switch binary.BigEndian.Uint16(buf) {
	case littleEndian:
		h.order = binary.LittleEndian
	case bigEndian:
		h.order = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	switch id := h.order.Uint16(buf[2:]); id {
	case tiffIdentifier:
		h.ifd = uint64(h.order.Uint32(buf[4:]))
	case bigTiffIdentifier:
		if n < 16 {
			return h, fmt.Errorf("reading BigTIFF header: %w", io.ErrUnexpectedEOF)
		}
		if h.order.Uint16(buf[4:]) != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		h.big = true
		h.ifd = h.order.Uint64(buf[8:])
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", id)
	}

	if h.ifd == 0 {
		return h, errors.New("file contains no IFDs")
	}
	return h, nil
}

// readTags decodes the first IFD. Later IFDs hold overviews and are ignored.
// The entry table is fetched in one read, values that do not fit inline
// cost one more read each.
func readTags(r io.ReaderAt) (Tags, header, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}

	cnt := make([]byte, h.countLen())
	if err := readFull(r, cnt, int64(h.ifd)); err != nil {
		return nil, h, fmt.Errorf("reading IFD entry count: %w", err)
	}
	var count uint64
	if h.big {
		count = h.order.Uint64(cnt)
	} else {
		count = uint64(h.order.Uint16(cnt))
	}
	if count == 0 || count > maxIFDEntries {
		return nil, h, fmt.Errorf("invalid IFD entry count %d", count)
	}

	table := make([]byte, int(count)*h.entryLen())
	if err := readFull(r, table, int64(h.ifd)+int64(len(cnt))); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}

	tags := make(Tags, count)
	for i := range int(count) {
		raw := table[i*h.entryLen() : (i+1)*h.entryLen()]
		tag := Tag(h.order.Uint16(raw))
		ft := fieldType(h.order.Uint16(raw[2:]))
		size := ft.bytes()
		if size == 0 {
			slog.Debug("skipping tag with unrecognized field type", "tag", tag.String(), "type", uint16(ft))
			continue
		}

		var n uint64
		var field []byte
		if h.big {
			n, field = h.order.Uint64(raw[4:]), raw[12:20]
		} else {
			n, field = uint64(h.order.Uint32(raw[4:])), raw[8:12]
		}
		total := n * uint64(size)
		if total > maxTagBytes {
			return nil, h, fmt.Errorf("tag %s claims %d bytes", tag, total)
		}

		data := field[:min(total, h.inlineLen())]
		if total > h.inlineLen() {
			var off uint64
			if h.big {
				off = h.order.Uint64(field)
			} else {
				off = uint64(h.order.Uint32(field))
			}
			data = make([]byte, total)
			if err := readFull(r, data, int64(off)); err != nil {
				return nil, h, fmt.Errorf("reading tag %s: %w", tag, err)
			}
		}

		td, err := decodeTag(h.order, ft, int(n), data)
		if err != nil {
			return nil, h, fmt.Errorf("reading tag %s: %w", tag, err)
		}
		tags[tag] = td
	}
	return tags, h, nil
}

// decodeTag converts n values of type ft packed in b.
func decodeTag(order binary.ByteOrder, ft fieldType, n int, b []byte) (tagData, error) {
	t := tagData{fType: ft}
	switch ft {
	case BYTE, UNDEFINED, SBYTE:
		t.byteData = slices.Clone(b[:n])
	case ASCII:
		t.asciiData = string(bytes.Trim(b[:n], "\x00"))
	case SHORT, SSHORT:
		t.shortData = make([]uint16, n)
		for i := range t.shortData {
			t.shortData[i] = order.Uint16(b[2*i:])
		}
	case LONG, SLONG:
		t.longData = make([]uint32, n)
		for i := range t.longData {
			t.longData[i] = order.Uint32(b[4*i:])
		}
	case RATIONAL, SRATIONAL:
		t.doubleData = make([]float64, n)
		for i := range t.doubleData {
			num, den := order.Uint32(b[8*i:]), order.Uint32(b[8*i+4:])
			switch {
			case den == 0:
			case ft == SRATIONAL:
				t.doubleData[i] = float64(int32(num)) / float64(int32(den))
			default:
				t.doubleData[i] = float64(num) / float64(den)
			}
		}
	case FLOAT:
		t.floatData = make([]float32, n)
		for i := range t.floatData {
			t.floatData[i] = math.Float32frombits(order.Uint32(b[4*i:]))
		}
	case DOUBLE:
		t.doubleData = make([]float64, n)
		for i := range t.doubleData {
			t.doubleData[i] = math.Float64frombits(order.Uint64(b[8*i:]))
		}
	case LONG8, SLONG8, IFD8:
		t.uint64Data = make([]uint64, n)
		for i := range t.uint64Data {
			t.uint64Data[i] = order.Uint64(b[8*i:])
		}
	default:
		return t, fmt.Errorf("unsupported type for value reading: %s", ft)
	}
	return t, nil
}

// Package appendablenpy writes numpy's *.npy format to a file that can keep
// growing along its first axis. The header reserves room for the largest
// possible record count, and it is rewritten after every Write, so the file
// is always readable by numpy.load.
package appendablenpy

import (
	"fmt"
	"io"
	"strings"
)

// headerUnits is the alignment of the whole npy header.
const headerUnits = 64

// preheaderSize counts the magic string, the version and the header length.
const preheaderSize = 10

// countDigits is the room reserved for the record count in the shape.
const countDigits = 20

var magic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00}

// AppendableNPY writes records of a fixed dtype to an npy file.
type AppendableNPY struct {
	w          io.WriteSeeker
	descr      string
	inner      string // shape of one record, like " 1400" or ""
	headerSize int
	recordSize int
	count      int
}

// OpenAppendableNPY writes the header of an empty array to w and returns a
// writer for it. dtype is the numpy descr, like "'<f4'" or
// "[('seq', '<u8'), ('v', '<f4', (10,))]". recordSize is the number of bytes
// of one record, and inner the shape of one record (none for scalars).
func OpenAppendableNPY(w io.WriteSeeker, dtype string, recordSize int, inner ...int) (*AppendableNPY, error) {
	if recordSize <= 0 {
		return nil, fmt.Errorf("record size %d must be positive", recordSize)
	}
	an := &AppendableNPY{w: w, descr: dtype, recordSize: recordSize}
	var parts []string
	for _, d := range inner {
		parts = append(parts, fmt.Sprintf(" %d", d))
	}
	an.inner = strings.Join(parts, ",")
	widest := an.dict(strings.Repeat("9", countDigits))
	nunits := (preheaderSize + len(widest) + 1 + headerUnits - 1) / headerUnits
	an.headerSize = nunits * headerUnits
	if err := an.writeHeader(); err != nil {
		return nil, err
	}
	return an, nil
}

func (an *AppendableNPY) dict(count string) string {
	return fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (%s,%s), }", an.descr, count, an.inner)
}

// header returns the complete header for the current record count.
func (an *AppendableNPY) header() []byte {
	h := make([]byte, 0, an.headerSize)
	h = append(h, magic...)
	n := an.headerSize - preheaderSize
	h = append(h, byte(n%256), byte(n/256))
	h = append(h, an.dict(fmt.Sprint(an.count))...)
	for len(h) < an.headerSize-1 {
		h = append(h, ' ')
	}
	return append(h, '\n')
}

func (an *AppendableNPY) writeHeader() error {
	if _, err := an.w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := an.w.Write(an.header())
	return err
}

// HeaderSize is the number of bytes before the first record.
func (an *AppendableNPY) HeaderSize() int {
	return an.headerSize
}

// Len is the number of records written.
func (an *AppendableNPY) Len() int {
	return an.count
}

// Write appends records to the file and updates the header to count them.
// Every record must be exactly the record size.
func (an *AppendableNPY) Write(data [][]byte) error {
	for i, d := range data {
		if len(d) != an.recordSize {
			return fmt.Errorf("record %d has %d bytes, want %d", i, len(d), an.recordSize)
		}
	}
	offset := int64(an.headerSize) + int64(an.count)*int64(an.recordSize)
	if _, err := an.w.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	for _, d := range data {
		if _, err := an.w.Write(d); err != nil {
			return err
		}
		an.count++
	}
	if err := an.writeHeader(); err != nil {
		return err
	}
	_, err := an.w.Seek(0, io.SeekEnd)
	return err
}

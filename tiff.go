// Package anonymize deletes identifying imagery from whole-slide
// microscopy files in place: the slide label (and macro image, where one
// exists) is zeroed and its metadata entry unlinked, leaving a file that
// third-party readers still decode but that contains no label.
package anonymize

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type Type uint16

// TIFF data types (uppercase as in the TIFF spec). The slide formats only
// ever use a small subset.
const (
	BYTE   Type = 1
	ASCII  Type = 2
	SHORT  Type = 3
	LONG   Type = 4
	SBYTE  Type = 6
	SSHORT Type = 8
	SLONG  Type = 9
	FLOAT  Type = 11
	DOUBLE Type = 12
	LONG8  Type = 16
)

var TypeNames = map[Type]string{
	BYTE:   "Byte",
	ASCII:  "ASCII",
	SHORT:  "Short",
	LONG:   "Long",
	SBYTE:  "SByte",
	SSHORT: "SShort",
	SLONG:  "SLong",
	FLOAT:  "Float",
	DOUBLE: "Double",
	LONG8:  "Long8",
}

// Return the name of a TIFF type.
func (t Type) Name() string {
	name, found := TypeNames[t]
	if found {
		return name
	}
	return "Unknown"
}

// Byte size of a single value of each supported TIFF type.
var TypeSizes = map[Type]uint64{
	BYTE:   1,
	ASCII:  1,
	SHORT:  2,
	LONG:   4,
	SBYTE:  1,
	SSHORT: 2,
	SLONG:  4,
	FLOAT:  4,
	DOUBLE: 8,
	LONG8:  8,
}

// Indicate if the given type is one of the TIFF integer types.
func (t Type) IsIntegral() bool {
	return t == BYTE || t == SHORT || t == LONG || t == SBYTE ||
		t == SSHORT || t == SLONG || t == LONG8
}

// Indicate if the given type is one of the TIFF floating point types.
func (t Type) IsFloat() bool {
	return t == FLOAT || t == DOUBLE
}

type Tag uint16

// The tags the redaction policies touch. 65420 marks Hamamatsu NDPI
// files; 65421 identifies the NDPI macro image when its value is -1.
const (
	ImageDescription Tag = 270
	StripOffsets     Tag = 273
	StripByteCounts  Tag = 279
	XMLPacket        Tag = 700
	NDPIMagic        Tag = 65420
	NDPISourceLens   Tag = 65421
)

var TagNames = map[Tag]string{
	ImageDescription: "ImageDescription",
	StripOffsets:     "StripOffsets",
	StripByteCounts:  "StripByteCounts",
	XMLPacket:        "XMLPacket",
	NDPIMagic:        "NDPIMagic",
	NDPISourceLens:   "NDPISourceLens",
}

// A TiffFile is an open slide file with its IFD chain parsed. The file
// stays open read-write so directories can be edited in place; the
// dialect traits (byte order, BigTIFF, NDPI) are fixed at open time.
type TiffFile struct {
	file        *os.File
	order       binary.ByteOrder
	bigtiff     bool
	ndpi        bool
	Directories []*TiffDirectory
	log         logrus.FieldLogger
}

// A TiffDirectory is one IFD: its entries, the location of the pointer
// that refers to it, and the location of its own trailing pointer.
type TiffDirectory struct {
	Entries          map[Tag]*TiffEntry
	number           int
	inPointerOffset  int64
	outPointerOffset int64
	file             *TiffFile
}

// A TiffEntry is one IFD entry. ValueOffset holds the raw offset field;
// whether it is a payload or a pointer depends on the payload size.
type TiffEntry struct {
	Tag         Tag
	Type        Type
	Count       uint64
	ValueOffset uint64
	start       int64
	file        *TiffFile
}

// OpenTiff opens a TIFF, BigTIFF or NDPI file read-write and parses its
// directory chain. Files that do not carry a TIFF signature are reported
// as ErrUnrecognized; an empty directory chain is an error in its own
// right.
func OpenTiff(path string, log logrus.FieldLogger) (*TiffFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	t := &TiffFile{file: file, log: log}
	if err := t.parse(); err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

func (t *TiffFile) Close() error {
	return t.file.Close()
}

// DialectName describes the container variant, for diagnostics.
func (t *TiffFile) DialectName() string {
	switch {
	case t.bigtiff:
		return "BigTIFF, " + t.order.String()
	case t.ndpi:
		return "NDPI, " + t.order.String()
	default:
		return "TIFF, " + t.order.String()
	}
}

func (t *TiffFile) BigTIFF() bool { return t.bigtiff }
func (t *TiffFile) NDPI() bool    { return t.ndpi }

func (t *TiffFile) parse() error {
	var marker [2]byte
	if _, err := io.ReadFull(t.file, marker[:]); err != nil {
		return ErrUnrecognized
	}
	switch {
	case marker[0] == 'I' && marker[1] == 'I':
		t.order = binary.LittleEndian
	case marker[0] == 'M' && marker[1] == 'M':
		t.order = binary.BigEndian
	default:
		return ErrUnrecognized
	}
	version, err := t.readU16()
	if err != nil {
		return ErrUnrecognized
	}
	switch version {
	case 42:
	case 43:
		t.bigtiff = true
		magic2, err := t.readU16()
		if err != nil {
			return ErrUnrecognized
		}
		reserved, err := t.readU16()
		if err != nil {
			return ErrUnrecognized
		}
		if magic2 != 8 || reserved != 0 {
			return ErrUnrecognized
		}
	default:
		return ErrUnrecognized
	}

	// Walk the chain. Each trailing pointer is the next directory's
	// in-pointer; parsing an IFD leaves the cursor exactly on its own
	// trailing pointer.
	for {
		inPointerOffset, err := t.tell()
		if err != nil {
			return err
		}
		directoryOffset, err := t.readPointer()
		if err != nil {
			return err
		}
		if directoryOffset == 0 {
			break
		}
		if err := t.seek(int64(directoryOffset)); err != nil {
			return err
		}
		directory, err := t.readDirectory(len(t.Directories), inPointerOffset)
		if err != nil {
			return err
		}
		if len(t.Directories) == 0 && !t.bigtiff {
			// NDPI can only be recognized after the first IFD has been
			// read, so a first IFD beyond 4 GiB is misparsed. The flag
			// must be set before the next pointer read: directory
			// pointers are 64-bit from here on.
			if _, ok := directory.Entries[NDPIMagic]; ok {
				t.log.Debug("Enabling NDPI mode.")
				t.ndpi = true
			}
		}
		t.Directories = append(t.Directories, directory)
	}
	if len(t.Directories) == 0 {
		return xerrors.New("No directories")
	}
	return nil
}

func (t *TiffFile) readDirectory(number int, inPointerOffset int64) (*TiffDirectory, error) {
	d := &TiffDirectory{
		Entries:         make(map[Tag]*TiffEntry),
		number:          number,
		inPointerOffset: inPointerOffset,
		file:            t,
	}
	count, err := t.readEntryCount()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		entry, err := t.readEntry()
		if err != nil {
			return nil, err
		}
		d.Entries[entry.Tag] = entry
	}
	d.outPointerOffset, err = t.tell()
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (t *TiffFile) readEntry() (*TiffEntry, error) {
	start, err := t.tell()
	if err != nil {
		return nil, err
	}
	tag, err := t.readU16()
	if err != nil {
		return nil, err
	}
	typ, err := t.readU16()
	if err != nil {
		return nil, err
	}
	count, err := t.readOffsetWord()
	if err != nil {
		return nil, err
	}
	valueOffset, err := t.readOffsetWord()
	if err != nil {
		return nil, err
	}
	return &TiffEntry{
		Tag:         Tag(tag),
		Type:        Type(typ),
		Count:       count,
		ValueOffset: valueOffset,
		start:       start,
		file:        t,
	}, nil
}

func (t *TiffFile) tell() (int64, error) {
	return t.file.Seek(0, io.SeekCurrent)
}

func (t *TiffFile) seek(offset int64) error {
	_, err := t.file.Seek(offset, io.SeekStart)
	return err
}

func (t *TiffFile) readFull(buf []byte) error {
	if _, err := io.ReadFull(t.file, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return xerrors.New("Short read")
		}
		return err
	}
	return nil
}

func (t *TiffFile) readU16() (uint16, error) {
	var b [2]byte
	if err := t.readFull(b[:]); err != nil {
		return 0, err
	}
	return t.order.Uint16(b[:]), nil
}

func (t *TiffFile) readU32() (uint32, error) {
	var b [4]byte
	if err := t.readFull(b[:]); err != nil {
		return 0, err
	}
	return t.order.Uint32(b[:]), nil
}

func (t *TiffFile) readU64() (uint64, error) {
	var b [8]byte
	if err := t.readFull(b[:]); err != nil {
		return 0, err
	}
	return t.order.Uint64(b[:]), nil
}

// readEntryCount reads an IFD's entry count: 16-bit on classic TIFF and
// NDPI, 64-bit on BigTIFF.
func (t *TiffFile) readEntryCount() (uint64, error) {
	if t.bigtiff {
		return t.readU64()
	}
	v, err := t.readU16()
	return uint64(v), err
}

// readOffsetWord reads an offset-sized word: the entry count and value
// fields of an entry. NDPI keeps classic TIFF's 32-bit width here.
func (t *TiffFile) readOffsetWord() (uint64, error) {
	if t.bigtiff {
		return t.readU64()
	}
	v, err := t.readU32()
	return uint64(v), err
}

// readPointer reads a directory pointer. NDPI widens these to 64 bits
// even though entry fields stay 32-bit.
func (t *TiffFile) readPointer() (uint64, error) {
	if t.bigtiff || t.ndpi {
		return t.readU64()
	}
	v, err := t.readU32()
	return uint64(v), err
}

func (t *TiffFile) writePointer(v uint64) error {
	var b [8]byte
	if t.bigtiff || t.ndpi {
		t.order.PutUint64(b[:], v)
		_, err := t.file.Write(b[:8])
		return err
	}
	t.order.PutUint32(b[:4], uint32(v))
	_, err := t.file.Write(b[:4])
	return err
}

func (t *TiffFile) offsetWordSize() uint64 {
	if t.bigtiff {
		return 8
	}
	return 4
}

// nearPointer maps a possibly truncated offset to its full address. NDPI
// stores 32-bit offsets into a 64-bit file; the high half is recovered by
// assuming the value lies less than 4 GiB below base.
func (t *TiffFile) nearPointer(base int64, offset uint64) uint64 {
	if t.ndpi && offset < uint64(base) {
		const segSize = 1 << 32
		offset += (uint64(base) - offset) / segSize * segSize
	}
	return offset
}

// zeroFill writes n zero bytes at the current position of w.
func zeroFill(w io.Writer, n int64) error {
	buf := make([]byte, 1<<20)
	for n > 0 {
		chunk := int64(len(buf))
		if n < chunk {
			chunk = n
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Delete zeroes the directory's image strips and splices the directory
// out of the IFD chain. The entry table itself stays on disk,
// unreferenced, and no space is reclaimed. A non-nil expectedPrefix is
// verified against the start of each strip before that strip is
// overwritten.
func (d *TiffDirectory) Delete(expectedPrefix []byte) error {
	offsetsEntry, haveOffsets := d.Entries[StripOffsets]
	countsEntry, haveCounts := d.Entries[StripByteCounts]
	if !haveOffsets || !haveCounts {
		return xerrors.New("Directory is not stripped")
	}
	offsets, err := offsetsEntry.Integers()
	if err != nil {
		return err
	}
	lengths, err := countsEntry.Integers()
	if err != nil {
		return err
	}

	t := d.file
	for i := 0; i < len(offsets) && i < len(lengths); i++ {
		offset := int64(t.nearPointer(d.outPointerOffset, uint64(offsets[i])))
		length := lengths[i]
		t.log.Debugf("Zeroing %d for %d", offset, length)
		if len(expectedPrefix) > 0 {
			if err := t.seek(offset); err != nil {
				return err
			}
			prefix := make([]byte, len(expectedPrefix))
			if err := t.readFull(prefix); err != nil {
				return err
			}
			if !bytes.Equal(prefix, expectedPrefix) {
				return xerrors.New("Unexpected data in image strip")
			}
		}
		if err := t.seek(offset); err != nil {
			return err
		}
		if err := zeroFill(t.file, length); err != nil {
			return err
		}
	}

	t.log.Debugf("Deleting directory %d", d.number)
	if err := t.seek(d.outPointerOffset); err != nil {
		return err
	}
	next, err := t.readPointer()
	if err != nil {
		return err
	}
	if err := t.seek(d.inPointerOffset); err != nil {
		return err
	}
	return t.writePointer(next)
}

// valueLocation returns the file offset of the entry's payload. A payload
// no larger than the offset field lives inside the entry itself, after
// the tag, type and count fields.
func (e *TiffEntry) valueLocation(total uint64) int64 {
	if total <= e.file.offsetWordSize() {
		return e.start + int64(2+2+e.file.offsetWordSize())
	}
	return int64(e.file.nearPointer(e.start, e.ValueOffset))
}

// payload reads the entry's raw value bytes, inline or out of line.
func (e *TiffEntry) payload() ([]byte, error) {
	size, ok := TypeSizes[e.Type]
	if !ok {
		return nil, xerrors.Errorf("Unsupported type %d", e.Type)
	}
	if e.Count > (1<<31)/size {
		return nil, xerrors.Errorf("Entry %d value too large", e.Tag)
	}
	total := e.Count * size
	if err := e.file.seek(e.valueLocation(total)); err != nil {
		return nil, err
	}
	buf := make([]byte, total)
	if err := e.file.readFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ASCII returns the entry's string value. The mandatory NUL terminator is
// counted in Count but not returned.
func (e *TiffEntry) ASCII() (string, error) {
	if e.Type != ASCII {
		return "", xerrors.Errorf("Tag %d is not ASCII", e.Tag)
	}
	buf, err := e.payload()
	if err != nil {
		return "", err
	}
	if len(buf) == 0 || buf[len(buf)-1] != 0 {
		return "", xerrors.New("String not null-terminated")
	}
	return string(buf[:len(buf)-1]), nil
}

// Integers returns the entry's values widened to int64, sign-extending
// the signed types.
func (e *TiffEntry) Integers() ([]int64, error) {
	if !e.Type.IsIntegral() {
		return nil, xerrors.Errorf("Tag %d is not integral", e.Tag)
	}
	buf, err := e.payload()
	if err != nil {
		return nil, err
	}
	order := e.file.order
	vals := make([]int64, e.Count)
	for i := range vals {
		switch e.Type {
		case BYTE:
			vals[i] = int64(buf[i])
		case SBYTE:
			vals[i] = int64(int8(buf[i]))
		case SHORT:
			vals[i] = int64(order.Uint16(buf[i*2:]))
		case SSHORT:
			vals[i] = int64(int16(order.Uint16(buf[i*2:])))
		case LONG:
			vals[i] = int64(order.Uint32(buf[i*4:]))
		case SLONG:
			vals[i] = int64(int32(order.Uint32(buf[i*4:])))
		case LONG8:
			vals[i] = int64(order.Uint64(buf[i*8:]))
		}
	}
	return vals, nil
}

// Floats returns the entry's floating point values widened to float64.
func (e *TiffEntry) Floats() ([]float64, error) {
	if !e.Type.IsFloat() {
		return nil, xerrors.Errorf("Tag %d is not floating point", e.Tag)
	}
	buf, err := e.payload()
	if err != nil {
		return nil, err
	}
	order := e.file.order
	vals := make([]float64, e.Count)
	for i := range vals {
		if e.Type == FLOAT {
			vals[i] = float64(math.Float32frombits(order.Uint32(buf[i*4:])))
		} else {
			vals[i] = math.Float64frombits(order.Uint64(buf[i*8:]))
		}
	}
	return vals, nil
}

// Overwrite replaces the entry's payload in place, without touching the
// entry's type or count. The new payload must fit in the existing one;
// the remainder is padded, with spaces for ASCII (NULs would terminate
// the string early) and zero bytes for BYTE. ASCII payloads keep their
// trailing NUL.
func (e *TiffEntry) Overwrite(payload []byte) error {
	size, ok := TypeSizes[e.Type]
	if !ok || (e.Type != ASCII && e.Type != BYTE) {
		return xerrors.Errorf("Unsupported type %d", e.Type)
	}
	total := e.Count * size
	if total == 0 {
		return xerrors.Errorf("Tag %d has no value to overwrite", e.Tag)
	}
	buf := make([]byte, total)
	switch e.Type {
	case ASCII:
		if uint64(len(payload)) > total-1 {
			return xerrors.Errorf("Replacement value for tag %d is too long", e.Tag)
		}
		copy(buf, payload)
		for i := len(payload); i < len(buf)-1; i++ {
			buf[i] = ' '
		}
	case BYTE:
		if uint64(len(payload)) > total {
			return xerrors.Errorf("Replacement value for tag %d is too long", e.Tag)
		}
		copy(buf, payload)
	}
	if err := e.file.seek(e.valueLocation(total)); err != nil {
		return err
	}
	_, err := e.file.file.Write(buf)
	return err
}

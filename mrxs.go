package anonymize

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/xerrors"
	"gopkg.in/ini.v1"
)

const (
	mrxsHierarchical = "HIERARCHICAL"
	mrxsDatafile     = "DATAFILE"

	// File offset of the pointer to the nonhier record table in the
	// index file.
	mrxsNonHierRootOffset = 41
)

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// errNoLevel reports a DeleteLevel lookup miss.
var errNoLevel = xerrors.New("no such level")

func init() {
	// Slidedat.ini keys serialize as KEY=value, without column alignment.
	ini.PrettyFormat = false
}

// An MrxsFile is a 3DHISTECH MRXS container: the sidecar directory next
// to the .mrxs sentinel, holding Slidedat.ini, the binary index file and
// the data files it references.
type MrxsFile struct {
	dirname   string
	slidedat  string
	dat       *ini.File
	haveBOM   bool
	indexFile string
	datafiles []string
	levels    map[levelKey]*mrxsLevel
	levelList []*mrxsLevel
	log       logrus.FieldLogger
}

type levelKey struct {
	layer string
	name  string
}

// A level is one named image resource in the flat nonhier enumeration.
// record is its index into the nonhier table, contiguous across layers.
type mrxsLevel struct {
	layerID    int
	id         int
	record     int
	layerName  string
	name       string
	keyPrefix  string
	sectionKey string
	section    string
}

// OpenMrxs opens the MRXS container named by a .mrxs sentinel file. A
// wrong extension or missing Slidedat.ini means the file is simply not
// MRXS; anything wrong past that point is an error in the container.
func OpenMrxs(path string, log logrus.FieldLogger) (*MrxsFile, error) {
	if filepath.Ext(path) != ".mrxs" {
		return nil, ErrUnrecognized
	}
	m := &MrxsFile{
		dirname: strings.TrimSuffix(path, ".mrxs"),
		log:     log,
	}
	m.slidedat = filepath.Join(m.dirname, "Slidedat.ini")
	raw, err := os.ReadFile(m.slidedat)
	if err != nil {
		return nil, ErrUnrecognized
	}
	if err := m.parseSlidedat(raw); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MrxsFile) parseSlidedat(raw []byte) error {
	m.haveBOM = bytes.HasPrefix(raw, utf8BOM)
	text, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), raw)
	if err != nil {
		return err
	}
	m.dat, err = ini.Load(text)
	if err != nil {
		return err
	}

	indexRel, err := m.get(mrxsHierarchical, "INDEXFILE")
	if err != nil {
		return err
	}
	m.indexFile = filepath.Join(m.dirname, indexRel)
	fileCount, err := m.getInt(mrxsDatafile, "FILE_COUNT")
	if err != nil {
		return err
	}
	m.datafiles = make([]string, fileCount)
	for i := range m.datafiles {
		rel, err := m.get(mrxsDatafile, fmt.Sprintf("FILE_%d", i))
		if err != nil {
			return err
		}
		m.datafiles[i] = filepath.Join(m.dirname, rel)
	}
	return m.makeLevels()
}

// makeLevels builds the flat level list: all levels of all layers, in
// order, each holding its global record number.
func (m *MrxsFile) makeLevels() error {
	m.levels = make(map[levelKey]*mrxsLevel)
	m.levelList = nil
	layerCount, err := m.getInt(mrxsHierarchical, "NONHIER_COUNT")
	if err != nil {
		return err
	}
	for layerID := 0; layerID < layerCount; layerID++ {
		layerName, err := m.get(mrxsHierarchical, fmt.Sprintf("NONHIER_%d_NAME", layerID))
		if err != nil {
			return err
		}
		levelCount, err := m.getInt(mrxsHierarchical, fmt.Sprintf("NONHIER_%d_COUNT", layerID))
		if err != nil {
			return err
		}
		for levelID := 0; levelID < levelCount; levelID++ {
			level := &mrxsLevel{
				layerID:   layerID,
				id:        levelID,
				record:    len(m.levelList),
				layerName: layerName,
				keyPrefix: fmt.Sprintf("NONHIER_%d_VAL_%d", layerID, levelID),
			}
			level.sectionKey = level.keyPrefix + "_SECTION"
			if level.name, err = m.get(mrxsHierarchical, level.keyPrefix); err != nil {
				return err
			}
			if level.section, err = m.get(mrxsHierarchical, level.sectionKey); err != nil {
				return err
			}
			m.levels[levelKey{layerName, level.name}] = level
			m.levelList = append(m.levelList, level)
		}
	}
	return nil
}

func (m *MrxsFile) get(section, key string) (string, error) {
	sec, err := m.dat.GetSection(section)
	if err != nil {
		return "", err
	}
	k, err := sec.GetKey(key)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

func (m *MrxsFile) getInt(section, key string) (int, error) {
	v, err := m.get(section, key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func readInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, xerrors.New("Short read")
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func assertInt32(r io.Reader, want int32) error {
	v, err := readInt32(r)
	if err != nil {
		return err
	}
	if v != want {
		return xerrors.Errorf("%d != %d", v, want)
	}
	return nil
}

// dataLocation walks the nonhier index to the record's data page and
// returns the data file path, payload position and payload size.
func (m *MrxsFile) dataLocation(record int) (string, int64, int64, error) {
	fh, err := os.Open(m.indexFile)
	if err != nil {
		return "", 0, 0, err
	}
	defer fh.Close()

	if _, err := fh.Seek(mrxsNonHierRootOffset, io.SeekStart); err != nil {
		return "", 0, 0, err
	}
	tableBase, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	if _, err := fh.Seek(int64(tableBase)+int64(record)*4, io.SeekStart); err != nil {
		return "", 0, 0, err
	}
	listHead, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	if _, err := fh.Seek(int64(listHead), io.SeekStart); err != nil {
		return "", 0, 0, err
	}
	if err := assertInt32(fh, 0); err != nil {
		return "", 0, 0, err
	}
	page, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	if _, err := fh.Seek(int64(page), io.SeekStart); err != nil {
		return "", 0, 0, err
	}
	if err := assertInt32(fh, 1); err != nil {
		return "", 0, 0, err
	}
	if _, err := readInt32(fh); err != nil {
		return "", 0, 0, err
	}
	if err := assertInt32(fh, 0); err != nil {
		return "", 0, 0, err
	}
	if err := assertInt32(fh, 0); err != nil {
		return "", 0, 0, err
	}
	position, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	size, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	fileno, err := readInt32(fh)
	if err != nil {
		return "", 0, 0, err
	}
	if fileno < 0 || int(fileno) >= len(m.datafiles) {
		return "", 0, 0, xerrors.Errorf("Data file %d out of range", fileno)
	}
	return m.datafiles[fileno], int64(position), int64(size), nil
}

// zeroRecord destroys the record's payload in its data file. A payload
// that ends exactly at end of file is truncated away; otherwise it is
// overwritten with zero bytes. Either way the payload must begin with
// the JPEG SOI marker, or nothing is written.
func (m *MrxsFile) zeroRecord(record int) error {
	path, offset, length, err := m.dataLocation(record)
	if err != nil {
		return err
	}
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fh.Close()

	end, err := fh.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	doTruncate := end == offset+length
	if doTruncate {
		m.log.Debugf("Truncating %s to %d", path, offset)
	} else {
		m.log.Debugf("Zeroing %s at %d for %d", path, offset, length)
	}
	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	prefix := make([]byte, len(jpegSOI))
	if _, err := io.ReadFull(fh, prefix); err != nil || !bytes.Equal(prefix, jpegSOI) {
		return xerrors.New("Unexpected data in nonhier image")
	}
	if doTruncate {
		return fh.Truncate(offset)
	}
	if _, err := fh.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return zeroFill(fh, length)
}

// deleteIndexRecord compacts the nonhier table over the deleted record.
// The table is a contiguous array of 4-byte pointers addressed by record
// number; the tail moves down one slot and the stale copy at the end is
// left in place.
func (m *MrxsFile) deleteIndexRecord(record int) error {
	m.log.Debugf("Deleting record %d", record)
	entriesToMove := len(m.levelList) - record - 1
	if entriesToMove == 0 {
		return nil
	}
	fh, err := os.OpenFile(m.indexFile, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer fh.Close()

	if _, err := fh.Seek(mrxsNonHierRootOffset, io.SeekStart); err != nil {
		return err
	}
	tableBase, err := readInt32(fh)
	if err != nil {
		return err
	}
	if _, err := fh.Seek(int64(tableBase)+int64(record+1)*4, io.SeekStart); err != nil {
		return err
	}
	tail := make([]byte, entriesToMove*4)
	if _, err := io.ReadFull(fh, tail); err != nil {
		return xerrors.New("Short read")
	}
	if _, err := fh.Seek(int64(tableBase)+int64(record)*4, io.SeekStart); err != nil {
		return err
	}
	_, err = fh.Write(tail)
	return err
}

// hierKeysForLevel lists the HIERARCHICAL keys belonging to a level: its
// value key and every key under its prefix.
func (m *MrxsFile) hierKeysForLevel(level *mrxsLevel) []string {
	sec, err := m.dat.GetSection(mrxsHierarchical)
	if err != nil {
		return nil
	}
	var keys []string
	for _, k := range sec.KeyStrings() {
		if k == level.keyPrefix || strings.HasPrefix(k, level.keyPrefix+"_") {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *MrxsFile) deleteKey(section, key string) {
	m.log.Debugf("Deleting [%s] %s", section, key)
	if sec, err := m.dat.GetSection(section); err == nil {
		sec.DeleteKey(key)
	}
}

func (m *MrxsFile) setKey(section, key, value string) error {
	sec, err := m.dat.GetSection(section)
	if err != nil {
		return err
	}
	m.log.Debugf("[%s] %s -> %s", section, key, value)
	if k, err := sec.GetKey(key); err == nil {
		k.SetValue(value)
		return nil
	}
	_, err = sec.NewKey(key, value)
	return err
}

func (m *MrxsFile) renameKey(section, old, new string) error {
	sec, err := m.dat.GetSection(section)
	if err != nil {
		return err
	}
	k, err := sec.GetKey(old)
	if err != nil {
		return err
	}
	m.log.Debugf("[%s] %s -> %s", section, old, new)
	value := k.Value()
	sec.DeleteKey(old)
	_, err = sec.NewKey(new, value)
	return err
}

func (m *MrxsFile) deleteSection(section string) {
	m.log.Debugf("Deleting [%s]", section)
	m.dat.DeleteSection(section)
}

func (m *MrxsFile) renameSection(old, new string) error {
	oldSec, err := m.dat.GetSection(old)
	if err != nil {
		m.log.Debugf("[%s] does not exist", old)
		return nil
	}
	m.log.Debugf("[%s] -> [%s]", old, new)
	newSec, err := m.dat.NewSection(new)
	if err != nil {
		return err
	}
	for _, k := range oldSec.Keys() {
		if _, err := newSec.NewKey(k.Name(), k.Value()); err != nil {
			return err
		}
	}
	m.dat.DeleteSection(old)
	return nil
}

// write serializes the INI back to the sidecar, restoring the byte-order
// mark if the original had one and converting line endings to CRLF. The
// replacement is atomic, so a crash cannot leave a half-written sidecar.
func (m *MrxsFile) write() error {
	var buf bytes.Buffer
	if _, err := m.dat.WriteTo(&buf); err != nil {
		return err
	}
	out := bytes.ReplaceAll(buf.Bytes(), []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\n"), []byte("\r\n"))
	if m.haveBOM {
		var err error
		if out, _, err = transform.Bytes(unicode.UTF8BOM.NewEncoder(), out); err != nil {
			return err
		}
	}
	return renameio.WriteFile(m.slidedat, out, 0644)
}

// DeleteLevel removes one level from the container: its payload is
// zeroed or truncated in the data file, its slot leaves the index table,
// its INI keys and section disappear, and subsequent levels in the same
// layer are renumbered down over the gap. The data file is edited before
// the index and the index before the INI, so an interrupted delete
// degrades to a level that still resolves but holds zeroed pixels.
func (m *MrxsFile) DeleteLevel(layerName, levelName string) error {
	level, ok := m.levels[levelKey{layerName, levelName}]
	if !ok {
		return errNoLevel
	}
	record := level.record

	if err := m.zeroRecord(record); err != nil {
		return err
	}
	if err := m.deleteIndexRecord(record); err != nil {
		return err
	}

	for _, k := range m.hierKeysForLevel(level) {
		m.deleteKey(mrxsHierarchical, k)
	}
	m.deleteSection(level.section)

	// Slide every following level of the same layer down one slot: its
	// keys move under the previous prefix, and its section takes over
	// the previous section name.
	prev := level
	for _, cur := range m.levelList[record+1:] {
		if cur.layerID != prev.layerID {
			break
		}
		for _, k := range m.hierKeysForLevel(cur) {
			newKey := strings.Replace(k, cur.keyPrefix, prev.keyPrefix, 1)
			if err := m.renameKey(mrxsHierarchical, k, newKey); err != nil {
				return err
			}
		}
		if err := m.setKey(mrxsHierarchical, prev.sectionKey, prev.section); err != nil {
			return err
		}
		if err := m.renameSection(cur.section, prev.section); err != nil {
			return err
		}
		prev = cur
	}

	countKey := fmt.Sprintf("NONHIER_%d_COUNT", level.layerID)
	count, err := m.getInt(mrxsHierarchical, countKey)
	if err != nil {
		return err
	}
	if err := m.setKey(mrxsHierarchical, countKey, strconv.Itoa(count-1)); err != nil {
		return err
	}

	if err := m.write(); err != nil {
		return err
	}
	return m.makeLevels()
}

package anonymize

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// ErrUnrecognized reports that a file does not match the format a
// handler expects. The dispatcher moves on to the next handler when it
// sees it; any other error is fatal for the file.
var ErrUnrecognized = errors.New("Unrecognized file")

// JPEG start-of-image marker; slide labels are JPEG streams in both NDPI
// strips and MRXS data files.
var jpegSOI = []byte{0xff, 0xd8}

var (
	ventanaXMP         = []byte("<iScan Magnification='40' ScanRes='0.25'></iScan>")
	ventanaDescription = []byte("<Ventana Hopkins Pathology Anonymized Format v1.0.>")
)

// Config carries the collaborators the format handlers need. The zero
// value works: logging goes to the logrus standard logger and Ventana
// detection shells out to tiffinfo.
type Config struct {
	// Log receives a debug trace of the edits: strip zeroing, directory
	// unlinking, the SVS filename overwrite, and the MRXS record, key and
	// section changes.
	Log logrus.FieldLogger

	// DumpXMLPacket returns an external metadata dump of IFD 0's
	// XMLPacket tag, used for Ventana detection.
	DumpXMLPacket func(path string) (string, error)
}

func (c *Config) logger() logrus.FieldLogger {
	if c != nil && c.Log != nil {
		return c.Log
	}
	return logrus.StandardLogger()
}

func (c *Config) dumpXMLPacket(path string) (string, error) {
	if c != nil && c.DumpXMLPacket != nil {
		return c.DumpXMLPacket(path)
	}
	out, err := exec.Command("tiffinfo", "-w", "-0", path).Output()
	return string(out), err
}

// A handler implements detection and redaction for one slide format.
// redact reports ErrUnrecognized when the file is not of its format.
type handler struct {
	name   string
	redact func(cfg *Config, path string) error
}

// Candidate formats, tried in order.
var handlers = []handler{
	{"Ventana", redactVentana},
	{"SVS", redactSVS},
	{"NDPI", redactNDPI},
	{"MRXS", redactMRXS},
}

// Anonymize locates the slide label in the named file — and, per format,
// the macro image and the filename embedded in metadata — and destroys
// it in place.
func Anonymize(cfg *Config, path string) error {
	for _, h := range handlers {
		err := h.redact(cfg, path)
		if err == nil {
			cfg.logger().Debugf("%s: %s", path, h.name)
			return nil
		}
		if !errors.Is(err, ErrUnrecognized) {
			return err
		}
	}
	return xerrors.New("Unrecognized file type")
}

// splitLines splits on LF, CRLF or bare CR line endings.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

// redactSVS handles Aperio SVS: delete the label directory, delete the
// macro directory, then blank the Filename field every ImageDescription
// carries. Each pass reopens the file so no directory state survives an
// earlier edit.
func redactSVS(cfg *Config, path string) error {
	log := cfg.logger()
	if err := detectSVS(log, path); err != nil {
		return err
	}
	if err := svsDeleteByDescription(log, path, "label ", "No label detected in SVS file"); err != nil {
		return err
	}
	if err := svsDeleteByDescription(log, path, "macro ", "No macro detected in SVS file"); err != nil {
		return err
	}
	return svsCleanseFilenames(log, path)
}

func detectSVS(log logrus.FieldLogger, path string) error {
	t, err := OpenTiff(path, log)
	if err != nil {
		return err
	}
	defer t.Close()
	entry, ok := t.Directories[0].Entries[ImageDescription]
	if !ok {
		return ErrUnrecognized
	}
	desc, err := entry.ASCII()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(desc, "Aperio") {
		return ErrUnrecognized
	}
	return nil
}

// svsDeleteByDescription deletes the first directory whose second
// ImageDescription line starts with the given marker.
func svsDeleteByDescription(log logrus.FieldLogger, path, marker, missing string) error {
	t, err := OpenTiff(path, log)
	if err != nil {
		return err
	}
	defer t.Close()
	for _, d := range t.Directories {
		entry, ok := d.Entries[ImageDescription]
		if !ok {
			continue
		}
		desc, err := entry.ASCII()
		if err != nil {
			return err
		}
		lines := splitLines(desc)
		if len(lines) >= 2 && strings.HasPrefix(lines[1], marker) {
			return d.Delete(nil)
		}
	}
	return xerrors.New(missing)
}

func svsCleanseFilenames(log logrus.FieldLogger, path string) error {
	t, err := OpenTiff(path, log)
	if err != nil {
		return err
	}
	defer t.Close()
	for _, d := range t.Directories {
		entry, ok := d.Entries[ImageDescription]
		if !ok {
			continue
		}
		desc, err := entry.ASCII()
		if err != nil {
			return err
		}
		if !strings.Contains(desc, "Filename") {
			continue
		}
		bits := strings.Split(desc, "|")
		for i, bit := range bits {
			if strings.Contains(bit, "Filename") {
				bits[i] = cleanseFilename(bit)
			}
		}
		if err := entry.Overwrite([]byte(strings.Join(bits, "|"))); err != nil {
			return err
		}
		log.Debug("Stored filename overwritten")
	}
	return nil
}

// cleanseFilename replaces the value of a "Filename = …" metadata block.
func cleanseFilename(block string) string {
	key, _, found := strings.Cut(block, " = ")
	if !found {
		return block
	}
	return key + " = X"
}

// redactNDPI handles Hamamatsu NDPI: the macro image is the directory
// whose source lens is -1, and its strips must hold JPEG data.
func redactNDPI(cfg *Config, path string) error {
	t, err := OpenTiff(path, cfg.logger())
	if err != nil {
		return err
	}
	defer t.Close()
	if _, ok := t.Directories[0].Entries[NDPIMagic]; !ok {
		return ErrUnrecognized
	}
	for _, d := range t.Directories {
		entry, ok := d.Entries[NDPISourceLens]
		if !ok {
			continue
		}
		vals, err := entry.Integers()
		if err != nil {
			return err
		}
		if len(vals) > 0 && vals[0] == -1 {
			return d.Delete(jpegSOI)
		}
	}
	return xerrors.New("No label in NDPI file")
}

// redactVentana handles Ventana TIF: the label directory announces
// itself in ImageDescription, and after unlinking it the second
// directory's XMLPacket and ImageDescription are rewritten with fixed
// anonymized stubs.
func redactVentana(cfg *Config, path string) error {
	t, err := OpenTiff(path, cfg.logger())
	if err != nil {
		return err
	}
	defer t.Close()
	xml0, err := cfg.dumpXMLPacket(path)
	if err != nil {
		return ErrUnrecognized
	}
	if !strings.Contains(xml0, "iScan") {
		return ErrUnrecognized
	}

	deleted := false
	for _, d := range t.Directories {
		entry, ok := d.Entries[ImageDescription]
		if !ok {
			continue
		}
		desc, err := entry.ASCII()
		if err != nil {
			return err
		}
		if strings.HasPrefix(desc, "Label_Image") {
			if err := d.Delete(nil); err != nil {
				return err
			}
			deleted = true
			break
		}
	}
	if !deleted {
		return xerrors.New("No label in TIF file")
	}

	// The stubs go over directory 1's entries even when directory 1 is
	// the one just unlinked; its entry table is still on disk.
	if len(t.Directories) < 2 {
		return xerrors.New("Ventana file has no second directory")
	}
	dir1 := t.Directories[1]
	xmp, ok := dir1.Entries[XMLPacket]
	if !ok {
		return xerrors.New("No XMLPacket in second directory")
	}
	if err := xmp.Overwrite(ventanaXMP); err != nil {
		return err
	}
	desc1, ok := dir1.Entries[ImageDescription]
	if !ok {
		return xerrors.New("No ImageDescription in second directory")
	}
	return desc1.Overwrite(ventanaDescription)
}

// redactMRXS handles 3DHISTECH MRXS: the label is the slide barcode
// level of the scan data layer.
func redactMRXS(cfg *Config, path string) error {
	m, err := OpenMrxs(path, cfg.logger())
	if err != nil {
		return err
	}
	if err := m.DeleteLevel("Scan data layer", "ScanDataLayer_SlideBarcode"); err != nil {
		if errors.Is(err, errNoLevel) {
			return xerrors.New("No label in MRXS file")
		}
		return err
	}
	return nil
}

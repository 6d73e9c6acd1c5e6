// File and header validation.
//
// inspect is the validator proper: a pure function from the bytes of a file
// to a Classification. It reads only the header and page 1, so it is cheap
// enough to run on every access. Pages beyond page 1 are verified by the
// pager as statements touch them (see snapshot.page).
package quire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
)

// Classification is the validator's verdict on a store file.
type Classification int

const (
	Absent                     Classification = iota // Path does not exist
	Empty                                            // Zero-length file, ready to initialise
	ValidContainer                                   // Header and page 1 verified
	NotAContainer                                    // Non-empty file without the store signature
	HeaderValidInteriorCorrupt                       // Signature present, structure damaged
)

func (c Classification) String() string {
	switch c {
	case Absent:
		return "absent"
	case Empty:
		return "empty"
	case ValidContainer:
		return "valid"
	case NotAContainer:
		return "not a container"
	case HeaderValidInteriorCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Code returns the result code an operation reports for a store in this
// state. Absent, Empty and ValidContainer are all usable.
func (c Classification) Code() Code {
	switch c {
	case NotAContainer:
		return NotADatabase
	case HeaderValidInteriorCorrupt:
		return Corrupt
	default:
		return Ok
	}
}

// inspection is the result of validating one read of a store file.
type inspection struct {
	class Classification
	hdr   *Header // nil unless class is ValidContainer
	page1 page    // decoded body of page 1
	img   []byte  // raw image of page 1
	fault fault   // why the file is unusable, 0 if usable
	err   error   // detail for fault
}

// inspect classifies the file behind r, which is size bytes long.
func inspect(r io.ReaderAt, size int64) inspection {
	if size == 0 {
		return inspection{class: Empty}
	}

	buf := make([]byte, min(size, HeaderSize))
	if err := readFull(r, buf, 0); err != nil {
		return inspection{class: HeaderValidInteriorCorrupt, fault: faultRead, err: err}
	}
	if len(buf) < len(Magic) || !bytes.Equal(buf[:len(Magic)], []byte(Magic)) {
		return inspection{class: NotAContainer, fault: faultBadMagic}
	}

	hdr, err := decodeHeader(buf)
	if err != nil {
		return inspection{class: HeaderValidInteriorCorrupt, fault: faultBadHeader, err: err}
	}
	if size < hdr.size() {
		return inspection{
			class: HeaderValidInteriorCorrupt,
			fault: faultShortFile,
			err:   fmt.Errorf("%d bytes, header declares %d pages of %d", size, hdr.Pages, hdr.PageSize),
		}
	}

	img := make([]byte, hdr.PageSize)
	if err := readFull(r, img, 0); err != nil {
		return inspection{class: HeaderValidInteriorCorrupt, fault: faultRead, err: err}
	}
	p, f, err := decodePage(img, 1, hdr.Algorithm)
	if err != nil {
		return inspection{class: HeaderValidInteriorCorrupt, fault: f, err: err}
	}
	if p.kind != KindCatalog {
		return inspection{
			class: HeaderValidInteriorCorrupt,
			fault: faultPageKind,
			err:   fmt.Errorf("page 1: kind %d, want catalog", p.kind),
		}
	}

	return inspection{class: ValidContainer, hdr: hdr, page1: p, img: img}
}

// failure returns the *Error for an unusable inspection, or nil.
func (in inspection) failure(op, path string) error {
	if in.fault == 0 {
		return nil
	}
	return fail(in.fault, op, path, in.err)
}

// Classify validates the file at path without opening a store on it. It
// never probes or touches the journal. The error is non-nil whenever the
// classification is not usable, and carries the detail.
//
// When the path cannot be read as a file at all (a directory, a failed stat
// or open) there are no contents to classify: the result is Absent with a
// non-nil error, and only the error is meaningful. Absent with a nil error
// means the path does not exist.
func Classify(fs afero.Fs, path string) (Classification, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	info, err := fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Absent, nil
	}
	if err != nil {
		return Absent, fail(faultRead, "classify", path, err)
	}
	if info.IsDir() {
		return Absent, fail(faultIsDir, "classify", path, nil)
	}

	f, err := fs.Open(path)
	if err != nil {
		return Absent, fail(faultOpen, "classify", path, err)
	}
	defer f.Close()

	in := inspect(f, info.Size())
	return in.class, in.failure("classify", path)
}

// readFull reads len(buf) bytes at off. A short read is an error; some
// afero files return fewer bytes with a nil error at end of file.
func readFull(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at %d: %w", len(buf), off, err)
}

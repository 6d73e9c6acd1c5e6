// Rollback journal.
//
// A write never touches the store file until the original image of every
// page it will overwrite or truncate away is sealed in the journal at
// "<path>-journal". The commit point is removal of the journal. If the
// process dies anywhere between sealing and removal, the next access finds a
// sealed journal for this store (a hot journal) and writes the original
// pages back.
//
// Anything else at the journal path is not trusted. An empty file, garbage,
// an unsealed journal (the crash happened before the store was touched), a
// journal for a different store id, or one with a damaged record is stale:
// it is removed and the access proceeds as if it had never been there. A
// directory cannot be opened, read or removed as a journal; on a non-empty
// store that blocks every access, because the store cannot prove there is no
// rollback pending.
//
// Layout: a JournalHeaderSize-byte JSON header padded with spaces and ending
// in a newline, then one JSON line per page record.
package quire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// JournalSuffix is appended to a store path to name its journal.
const JournalSuffix = "-journal"

// JournalHeaderSize is the fixed size of the journal header in bytes.
const JournalHeaderSize = 256

const journalMagic = "quire-journal"

// JournalPath returns the journal path for the store at path.
func JournalPath(path string) string {
	return path + JournalSuffix
}

// journalHeader describes the store state a journal restores.
type journalHeader struct {
	Magic     string `json:"_m"`
	Version   int    `json:"_v"`
	ID        string `json:"_id"`  // Store id the journal belongs to, empty for a fresh store
	Counter   uint64 `json:"_c"`   // Change counter before the commit
	PageSize  int    `json:"_ps"`  // Page size of the recorded images
	Size      int64  `json:"_sz"`  // Store file size before the commit
	Records   int    `json:"_n"`   // Number of page records
	Sealed    int    `json:"_s"`   // 1 once every record is durable
	Algorithm int    `json:"_alg"` // Algorithm of the record checksums
}

// journalRecord is one original page image.
type journalRecord struct {
	Page uint32 `json:"_p"`
	Sum  string `json:"_h"`
	Data string `json:"_d"`
}

// pageImage is a page number and its raw bytes.
type pageImage struct {
	pgno uint32
	img  []byte
}

func (h *journalHeader) encode() ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(data) > JournalHeaderSize-1 {
		return nil, fmt.Errorf("journal header exceeds %d bytes", JournalHeaderSize)
	}
	buf := bytes.Repeat([]byte{' '}, JournalHeaderSize)
	copy(buf, data)
	buf[JournalHeaderSize-1] = '\n'
	return buf, nil
}

// parseJournal decodes a complete journal. Any error means the journal is
// stale and must not be played back.
func parseJournal(data []byte) (*journalHeader, []pageImage, error) {
	if len(data) < JournalHeaderSize {
		return nil, nil, fmt.Errorf("%d bytes, shorter than a journal header", len(data))
	}
	var hdr journalHeader
	if err := json.Unmarshal(bytes.TrimSpace(data[:JournalHeaderSize]), &hdr); err != nil {
		return nil, nil, fmt.Errorf("header: %w", err)
	}
	switch {
	case hdr.Magic != journalMagic:
		return nil, nil, fmt.Errorf("bad magic %q", hdr.Magic)
	case hdr.Version != FormatVersion:
		return nil, nil, fmt.Errorf("unsupported version %d", hdr.Version)
	case hdr.Sealed != 1:
		return nil, nil, errors.New("journal was never sealed")
	case !validPageSize(hdr.PageSize) || !validAlg(hdr.Algorithm) || hdr.Size < 0:
		return nil, nil, errors.New("invalid geometry")
	}

	images := make([]pageImage, 0, hdr.Records)
	sc := bufio.NewScanner(bytes.NewReader(data[JournalHeaderSize:]))
	sc.Buffer(make([]byte, 0, 64*1024), 4*MaxPageSize)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", len(images), err)
		}
		img, err := unpackImage(rec.Data, hdr.PageSize)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", len(images), err)
		}
		if strconv.FormatUint(checksum(rec.Page, img, hdr.Algorithm), 16) != rec.Sum {
			return nil, nil, fmt.Errorf("record %d: checksum mismatch", len(images))
		}
		images = append(images, pageImage{pgno: rec.Page, img: img})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, err
	}
	if len(images) != hdr.Records {
		return nil, nil, fmt.Errorf("%d records, header declares %d", len(images), hdr.Records)
	}
	return &hdr, images, nil
}

// journal is the journal manager for one store path.
type journal struct {
	fs   afero.Fs
	path string
	sync bool
}

// recover probes the journal before an access to the store file f, which is
// size bytes long. It returns the store size after any playback.
func (j *journal) recover(f afero.File, size int64, op string) (int64, error) {
	info, err := j.fs.Stat(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return size, nil
	}
	if err != nil {
		return size, fail(faultJournalRead, op, j.path, err)
	}
	if info.IsDir() {
		if size == 0 {
			return size, nil // an empty store has nothing to roll back
		}
		return size, fail(faultJournalDir, op, j.path, nil)
	}
	if size == 0 {
		j.discard("store is empty")
		return size, nil
	}

	data, err := afero.ReadFile(j.fs, j.path)
	if err != nil {
		return size, fail(faultJournalRead, op, j.path, err)
	}
	hdr, images, err := parseJournal(data)
	if err != nil {
		j.discard(err.Error())
		return size, nil
	}
	if id := storeID(f, size); hdr.ID != "" && id != "" && id != hdr.ID {
		j.discard("journal belongs to store " + hdr.ID)
		return size, nil
	}

	if err := rollback(f, images, hdr.PageSize, hdr.Size, j.sync); err != nil {
		return size, fail(faultWrite, op, j.path, err)
	}
	if err := j.fs.Remove(j.path); err != nil {
		return hdr.Size, fail(faultWrite, op, j.path, err)
	}
	log.WithFields(log.Fields{
		"journal": j.path,
		"pages":   len(images),
		"size":    hdr.Size,
	}).Warn("rolled back interrupted commit")
	return hdr.Size, nil
}

// discard removes a stale journal. Failure to remove it is logged and
// otherwise ignored: the next commit truncates it anyway.
func (j *journal) discard(reason string) {
	if err := j.fs.Remove(j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"journal": j.path, "err": err}).Error("failed to remove stale journal")
		return
	}
	log.WithFields(log.Fields{"journal": j.path, "reason": reason}).Warn("discarded stale journal")
}

// rollback writes images back into f and truncates it to size.
func rollback(f afero.File, images []pageImage, pageSize int, size int64, sync bool) error {
	for _, pi := range images {
		if _, err := f.WriteAt(pi.img, offset(pi.pgno, pageSize)); err != nil {
			return fmt.Errorf("restore page %d: %w", pi.pgno, err)
		}
	}
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate to %d: %w", size, err)
	}
	if sync {
		return f.Sync()
	}
	return nil
}

// storeID returns the id in the header of f, or "" if it cannot be read.
func storeID(f afero.File, size int64) string {
	if size < HeaderSize {
		return ""
	}
	buf := make([]byte, HeaderSize)
	if err := readFull(f, buf, 0); err != nil || !bytes.HasPrefix(buf, []byte(Magic)) {
		return ""
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return ""
	}
	return hdr.ID
}

// journalWriter is an open journal for one commit.
type journalWriter struct {
	j      *journal
	f      afero.File
	hdr    journalHeader
	off    int64
	images []pageImage
}

// create starts a journal for a commit against a store in the state
// described by hdr. Failing to create the file is CantOpen; nothing has
// been written to the store.
func (j *journal) create(op string, hdr journalHeader) (*journalWriter, error) {
	if info, err := j.fs.Stat(j.path); err == nil && info.IsDir() {
		return nil, failf(faultJournalCreate, op, j.path, "path is a directory")
	}
	f, err := j.fs.OpenFile(j.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fail(faultJournalCreate, op, j.path, err)
	}

	hdr.Magic = journalMagic
	hdr.Version = FormatVersion
	hdr.Sealed = 0
	w := &journalWriter{j: j, f: f, hdr: hdr, off: JournalHeaderSize}
	if err := w.writeHeader(); err != nil {
		w.abort()
		return nil, fail(faultJournalWrite, op, j.path, err)
	}
	return w, nil
}

func (w *journalWriter) writeHeader() error {
	buf, err := w.hdr.encode()
	if err != nil {
		return err
	}
	_, err = w.f.WriteAt(buf, 0)
	return err
}

// add appends the original image of page pgno.
func (w *journalWriter) add(pgno uint32, img []byte) error {
	line, err := json.Marshal(journalRecord{
		Page: pgno,
		Sum:  strconv.FormatUint(checksum(pgno, img, w.hdr.Algorithm), 16),
		Data: packImage(img),
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.f.WriteAt(line, w.off); err != nil {
		return err
	}
	w.off += int64(len(line))
	w.hdr.Records++
	w.images = append(w.images, pageImage{pgno: pgno, img: img})
	return nil
}

// seal makes the journal hot. Records are synced before the header flips
// so a sealed header never describes records that are not on disk.
func (w *journalWriter) seal() error {
	if w.j.sync {
		if err := w.f.Sync(); err != nil {
			return err
		}
	}
	w.hdr.Sealed = 1
	if err := w.writeHeader(); err != nil {
		return err
	}
	if w.j.sync {
		return w.f.Sync()
	}
	return nil
}

// restore plays the journal back into f from memory. Used when writing
// the store fails part way through a commit.
func (w *journalWriter) restore(f afero.File) error {
	return rollback(f, w.images, w.hdr.PageSize, w.hdr.Size, w.j.sync)
}

// commit removes the journal, which is the commit point.
func (w *journalWriter) commit() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	return w.j.fs.Remove(w.j.path)
}

// abort closes and removes an unsealed or restored journal.
func (w *journalWriter) abort() {
	w.f.Close()
	if err := w.j.fs.Remove(w.j.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"journal": w.j.path, "err": err}).Error("failed to remove aborted journal")
	}
}

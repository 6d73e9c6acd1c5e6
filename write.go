// Journaled page writes.
//
// write is the only path that modifies a store file outside of journal
// playback. Every commit, whether from a statement or a backup, hands it the
// complete set of new page images and the new file size. The original image
// of every page that will be overwritten or cut off is sealed in the journal
// first; the commit point is removal of the journal.
package quire

import (
	"errors"
	"io"
	"maps"
	"slices"

	log "github.com/sirupsen/logrus"
)

// write replaces the pages in images and resizes the store to size bytes.
// Pages are pageSize bytes in the new layout, which may differ from the
// snapshot's when a backup adopts the source's geometry.
func (db *DB) write(s *snapshot, size int64, pageSize int, images map[uint32][]byte) error {
	if s.detached {
		return fail(faultMoved, s.op, db.path, nil)
	}

	jh := journalHeader{Size: s.size, Algorithm: db.config.Checksum, PageSize: pageSize}
	if s.hdr != nil {
		jh.ID = s.hdr.ID
		jh.Counter = s.hdr.Counter
		jh.PageSize = s.hdr.PageSize
	}
	w, err := db.journal.create(s.op, jh)
	if err != nil {
		return err
	}

	if err := db.journalOriginals(w, s, size, pageSize, images); err != nil {
		w.abort()
		return fail(faultJournalWrite, s.op, db.journal.path, err)
	}
	if err := w.seal(); err != nil {
		w.abort()
		return fail(faultJournalWrite, s.op, db.journal.path, err)
	}

	if err := db.writePages(size, pageSize, images); err != nil {
		if rerr := w.restore(db.file); rerr != nil {
			// Leave the sealed journal for the next access to play back.
			w.f.Close()
			log.WithFields(log.Fields{"path": db.path, "err": rerr}).Error("failed to restore store after write error")
			return fail(faultWrite, s.op, db.path, err)
		}
		w.abort()
		return fail(faultWrite, s.op, db.path, err)
	}

	if err := w.commit(); err != nil {
		return fail(faultJournalWrite, s.op, db.journal.path, err)
	}
	log.WithFields(log.Fields{
		"path":  db.path,
		"op":    s.op,
		"pages": len(images),
		"size":  size,
	}).Debug("committed")
	return nil
}

// journalOriginals records the current image of every page the commit will
// overwrite or truncate away. When the page size changes every page is
// recorded.
func (db *DB) journalOriginals(w *journalWriter, s *snapshot, size int64, pageSize int, images map[uint32][]byte) error {
	if s.size == 0 {
		return nil
	}
	oldSize := w.hdr.PageSize
	oldPages := uint32((s.size + int64(oldSize) - 1) / int64(oldSize))
	newPages := uint32(size / int64(pageSize))

	for pgno := uint32(1); pgno <= oldPages; pgno++ {
		_, rewritten := images[pgno]
		if oldSize == pageSize && !rewritten && pgno <= newPages {
			continue
		}
		// A trailing partial page is recorded zero-padded; playback
		// truncates back to the original size.
		img := make([]byte, oldSize)
		if _, err := db.file.ReadAt(img, offset(pgno, oldSize)); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if err := w.add(pgno, img); err != nil {
			return err
		}
	}
	return nil
}

// writePages writes images in page order and sets the file size.
func (db *DB) writePages(size int64, pageSize int, images map[uint32][]byte) error {
	for _, pgno := range slices.Sorted(maps.Keys(images)) {
		if _, err := db.file.WriteAt(images[pgno], offset(pgno, pageSize)); err != nil {
			return err
		}
	}
	if err := db.file.Truncate(size); err != nil {
		return err
	}
	if db.config.SyncWrites {
		return db.file.Sync()
	}
	return nil
}

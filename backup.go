// Online backup.
//
// A Backup copies every page of a source store into a destination store,
// a few pages per Step if the caller wants to interleave other work. Both
// sides are validated at the start of every step and the worse failure
// wins: a file that is not a store at all outranks a damaged one, which
// outranks anything else, and the source is reported first on a tie.
//
// Copied pages are verified as they are read. Nothing is written to the
// destination until the last page has been copied; the staged image then
// replaces the destination in a single journaled commit. If the source
// commits between steps the copy starts over.
package quire

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Backup is an in-progress copy of one store into another. Its methods may
// be called from multiple goroutines.
type Backup struct {
	// mu guards the fields below. Step takes it before either store's lock.
	mu sync.Mutex

	dst, src *DB
	status   Code
	err      error // last failure

	// Source state the staged pages belong to
	id      string
	counter uint64
	size    int64
	total   uint32

	copied   uint32
	images   map[uint32][]byte
	started  bool
	finished bool
}

// NewBackup prepares a copy of src into dst. Both names must be "main",
// the only namespace a store has.
func NewBackup(dst *DB, dstName string, src *DB, srcName string) (*Backup, error) {
	if dst == nil || src == nil {
		return nil, fail(faultHandle, "backup init", "", nil)
	}
	for _, name := range []string{dstName, srcName} {
		if !strings.EqualFold(name, "main") {
			return nil, failf(faultBackupName, "backup init", "", "%q", name)
		}
	}
	if dst == src {
		return nil, fail(faultBackupPair, "backup init", dst.path, nil)
	}
	for _, db := range []*DB{dst, src} {
		db.mu.Lock()
		closed := db.closed
		db.mu.Unlock()
		if closed {
			return nil, fail(faultClosed, "backup init", db.path, nil)
		}
	}
	if sameFile(dst, src) {
		return nil, fail(faultBackupPair, "backup init", dst.path, nil)
	}
	return &Backup{dst: dst, src: src}, nil
}

// sameFile reports whether two handles are open on one file. Locking the
// same file from both sides of a backup would deadlock.
func sameFile(a, b *DB) bool {
	if a.fs == b.fs && filepath.Clean(a.path) == filepath.Clean(b.path) {
		return true
	}
	ia, err := a.file.Stat()
	if err != nil {
		return false
	}
	ib, err := b.file.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

// Step copies up to n pages, or all remaining pages if n is negative. It
// reports done once the destination holds a complete copy.
func (b *Backup) Step(n int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finished {
		return false, fail(faultFinalized, "backup step", b.dst.path, nil)
	}
	if b.status == Done {
		return true, nil
	}

	b.src.mu.Lock()
	defer b.src.mu.Unlock()
	b.dst.mu.Lock()
	defer b.dst.mu.Unlock()

	ss, serr := b.src.begin("backup step", LockShared)
	ds, derr := b.dst.begin("backup step", LockExclusive)
	if serr != nil || derr != nil {
		if ss != nil {
			ss.release()
		}
		if ds != nil {
			ds.release()
		}
		return b.failed(worst(serr, derr))
	}
	defer ss.release()
	defer ds.release()

	b.restart(ss)
	for k := 0; b.copied < b.total && (n < 0 || k < n); k++ {
		pgno := b.copied + 1
		img, err := ss.raw(pgno)
		if err != nil {
			return b.failed(err)
		}
		if _, f, err := decodePage(img, pgno, ss.hdr.Algorithm); err != nil {
			return b.failed(fail(f, ss.op, b.src.path, err))
		}
		b.images[pgno] = img
		b.copied++
	}
	if b.copied < b.total {
		b.status = Ok
		return false, nil
	}

	if err := b.commit(ss, ds); err != nil {
		return b.failed(err)
	}
	b.status = Done
	b.err = nil
	log.WithFields(log.Fields{
		"src":   b.src.path,
		"dst":   b.dst.path,
		"pages": b.total,
	}).Debug("backup complete")
	return true, nil
}

// restart discards the staged pages if the source changed since they were
// copied.
func (b *Backup) restart(ss *snapshot) {
	var id string
	var counter uint64
	var total uint32
	if ss.hdr != nil {
		id, counter, total = ss.hdr.ID, ss.hdr.Counter, ss.hdr.Pages
	}
	if b.started && id == b.id && counter == b.counter && ss.size == b.size {
		return
	}
	if b.started {
		log.WithFields(log.Fields{"src": b.src.path}).Debug("source changed, restarting backup")
	}
	b.started = true
	b.id, b.counter, b.size, b.total = id, counter, ss.size, total
	b.copied = 0
	b.images = make(map[uint32][]byte, total)
}

// commit replaces the destination with the staged pages. The destination
// keeps its own store id, and its counter moves past both sides so cached
// schemas on either handle are invalidated.
func (b *Backup) commit(ss, ds *snapshot) error {
	if ss.empty() {
		if ds.empty() {
			return nil
		}
		err := b.dst.write(ds, 0, ds.hdr.PageSize, nil)
		b.dst.cache = nil
		return err
	}

	hdr := *ss.hdr
	hdr.ID = uuid.NewString()
	hdr.Counter = ss.hdr.Counter + 1
	if !ds.empty() {
		hdr.ID = ds.hdr.ID
		hdr.Counter = max(ss.hdr.Counter, ds.hdr.Counter) + 1
	}
	buf, err := hdr.encode()
	if err != nil {
		return fail(faultBadHeader, ds.op, b.dst.path, err)
	}
	copy(b.images[1], buf)

	err = b.dst.write(ds, hdr.size(), hdr.PageSize, b.images)
	b.dst.cache = nil
	return err
}

func (b *Backup) failed(err error) (bool, error) {
	b.status = CodeOf(err)
	b.err = err
	return false, err
}

// Finish ends the backup and returns the last failure, nil if the copy
// completed. Calling it again returns the same result.
func (b *Backup) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.finished {
		b.finished = true
		b.images = nil
	}
	return b.err
}

// Remaining returns the number of pages still to copy.
func (b *Backup) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.total - b.copied)
}

// PageCount returns the number of pages in the source as of the last step.
func (b *Backup) PageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.total)
}

// Status returns Ok while the copy is in progress, Done once it has
// completed, or the code of the last failure.
func (b *Backup) Status() Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Core store type and lifecycle operations.
//
// DB holds one read/write handle on the store file for its whole lifetime.
// Because the handle stays open, a file unlinked while the store is open
// stays readable through it; the store notices the missing path only when a
// commit needs it, and reports ReadOnly.
//
// Nothing about the file's state is trusted across calls. Every statement
// starts with begin, which probes the journal, re-runs the validator and
// returns a snapshot. The only state kept between calls is the parsed
// schema, keyed by the header's store id and change counter.
package quire

import (
	"errors"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Config holds store configuration options.
type Config struct {
	PageSize   int      // Page size for newly initialised stores (default 4096)
	Checksum   int      // AlgXXHash3 (default) or AlgBlake2b
	SyncWrites bool     // Call fsync on the journal and store during commit
	Compiler   Compiler // Statement compiler (default: the built-in SQL subset)
}

// DB represents an open store.
type DB struct {
	fs      afero.Fs
	path    string
	file    afero.File // Read/write handle, held until Close
	lock    *fileLock  // OS-level advisory lock on file
	journal *journal
	config  Config
	cache   *schemaCache
	closed  bool
	mu      sync.Mutex
}

// schemaCache is the schema parsed from a particular store state.
type schemaCache struct {
	id      string
	counter uint64
	schema  *Schema
	pages   []uint32 // Catalog chain, starting with page 1
}

// Open opens the store at path, creating an empty file if none exists. It
// does not look at the file's contents: an empty, damaged or foreign file
// opens fine and is reported by the first statement that uses it. Open
// fails only if the path is a directory or cannot be opened for writing.
func Open(fs afero.Fs, path string, config Config) (*DB, error) {
	if config.PageSize == 0 {
		config.PageSize = DefaultPageSize
	}
	if config.Checksum == 0 {
		config.Checksum = AlgXXHash3
	}
	if config.Compiler == nil {
		config.Compiler = SQL{}
	}
	if !validPageSize(config.PageSize) {
		return nil, failf(faultHandle, "open", path, "invalid page size %d", config.PageSize)
	}
	if !validAlg(config.Checksum) {
		return nil, failf(faultHandle, "open", path, "unknown checksum algorithm %d", config.Checksum)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if info, err := fs.Stat(path); err == nil && info.IsDir() {
		return nil, fail(faultIsDir, "open", path, nil)
	}
	file, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fail(faultOpen, "open", path, err)
	}

	db := &DB{
		fs:      fs,
		path:    path,
		file:    file,
		lock:    &fileLock{f: file},
		journal: &journal{fs: fs, path: JournalPath(path), sync: config.SyncWrites},
		config:  config,
	}
	log.WithFields(log.Fields{"path": path}).Debug("opened store")
	return db, nil
}

// Path returns the store path.
func (db *DB) Path() string {
	return db.path
}

// Close releases the store handle. It succeeds whatever state the file is
// in, and closing twice is harmless. Any later use of db reports Misuse.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true
	db.cache = nil

	// Drain in-flight flock calls before closing the fd (see lock.go)
	db.lock.setFile(nil)
	if err := db.file.Close(); err != nil {
		return fail(faultWrite, "close", db.path, err)
	}
	return nil
}

// snapshot is a validated view of the store for one statement.
type snapshot struct {
	db       *DB
	op       string
	size     int64
	hdr      *Header // nil for an empty store
	schema   *Schema
	catalog  []uint32 // Catalog chain pages
	detached bool     // Path no longer exists; reads go through the open handle
	pages    map[uint32]page
}

// begin validates the store and returns a snapshot holding a lock in the
// given mode. The probe always runs under the exclusive lock, since it may
// roll back a hot journal. The caller must release the snapshot.
func (db *DB) begin(op string, mode LockMode) (*snapshot, error) {
	if db.closed {
		return nil, fail(faultClosed, op, db.path, nil)
	}

	_, err := db.fs.Stat(db.path)
	detached := errors.Is(err, os.ErrNotExist)

	if err := db.lock.Lock(LockExclusive); err != nil {
		return nil, fail(faultRead, op, db.path, err)
	}
	s, err := db.validate(op, detached)
	if err != nil {
		db.lock.Unlock()
		return nil, err
	}
	if mode == LockShared {
		db.lock.Unlock()
		if err := db.lock.Lock(LockShared); err != nil {
			return nil, fail(faultRead, op, db.path, err)
		}
	}
	return s, nil
}

// validate runs the journal probe and the validator. Called with the
// exclusive lock held, since the probe may roll back a hot journal.
func (db *DB) validate(op string, detached bool) (*snapshot, error) {
	info, err := db.file.Stat()
	if err != nil {
		return nil, fail(faultRead, op, db.path, err)
	}
	size := info.Size()

	if !detached {
		if size, err = db.journal.recover(db.file, size, op); err != nil {
			return nil, err
		}
	}

	in := inspect(db.file, size)
	if err := in.failure(op, db.path); err != nil {
		return nil, err
	}

	s := &snapshot{
		db:       db,
		op:       op,
		size:     size,
		hdr:      in.hdr,
		detached: detached,
		pages:    map[uint32]page{},
	}
	if in.class == Empty {
		s.schema = &Schema{}
		return s, nil
	}
	s.pages[1] = in.page1

	if c := db.cache; c != nil && c.id == in.hdr.ID && c.counter == in.hdr.Counter {
		s.schema = c.schema
		s.catalog = c.pages
		return s, nil
	}

	data, pages, err := s.chain(1, KindCatalog)
	if err != nil {
		return nil, err
	}
	schema, err := decodeSchema(data)
	if err != nil {
		return nil, fail(faultPayload, op, db.path, err)
	}
	s.schema = schema
	s.catalog = pages
	db.cache = &schemaCache{id: in.hdr.ID, counter: in.hdr.Counter, schema: schema, pages: pages}
	return s, nil
}

// release drops the snapshot's lock.
func (s *snapshot) release() {
	s.db.lock.Unlock()
}

// empty reports whether the store file has no content yet.
func (s *snapshot) empty() bool {
	return s.hdr == nil
}

// page reads and verifies page pgno.
func (s *snapshot) page(pgno uint32) (page, error) {
	if p, ok := s.pages[pgno]; ok {
		return p, nil
	}
	if s.hdr == nil || pgno == 0 || pgno > s.hdr.Pages {
		return page{}, failf(faultChain, s.op, s.db.path, "page %d out of range", pgno)
	}
	img, err := s.raw(pgno)
	if err != nil {
		return page{}, err
	}
	p, f, err := decodePage(img, pgno, s.hdr.Algorithm)
	if err != nil {
		return page{}, fail(f, s.op, s.db.path, err)
	}
	s.pages[pgno] = p
	return p, nil
}

// raw reads the unverified image of page pgno.
func (s *snapshot) raw(pgno uint32) ([]byte, error) {
	img := make([]byte, s.hdr.PageSize)
	if err := readFull(s.db.file, img, offset(pgno, s.hdr.PageSize)); err != nil {
		return nil, fail(faultShortFile, s.op, s.db.path, err)
	}
	return img, nil
}

// chain reads the chain starting at first, checking every page is of the
// given kind and no page repeats. It returns the concatenated payload and
// the chain's pages in order.
func (s *snapshot) chain(first uint32, kind byte) ([]byte, []uint32, error) {
	var data []byte
	var pages []uint32
	seen := map[uint32]bool{}
	for pgno := first; pgno != 0; {
		if seen[pgno] {
			return nil, nil, failf(faultChain, s.op, s.db.path, "page %d repeats in chain from %d", pgno, first)
		}
		seen[pgno] = true
		p, err := s.page(pgno)
		if err != nil {
			return nil, nil, err
		}
		if p.kind != kind {
			return nil, nil, failf(faultPageKind, s.op, s.db.path, "page %d has kind %d, want %d", pgno, p.kind, kind)
		}
		data = append(data, p.data...)
		pages = append(pages, pgno)
		pgno = p.next
	}
	return data, pages, nil
}

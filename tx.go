// Transactions.
//
// A Tx is the surface a compiled statement runs against: it resolves names
// in the snapshot's schema, reads table chains on demand (verifying each
// page as it goes) and stages changes in memory. Nothing reaches the file
// until commit, which lays the staged tables out as page chains and hands
// the images to DB.write. A statement that fails before commit therefore
// leaves the file exactly as it found it.
package quire

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Intent is what a statement may do to the store.
type Intent int

const (
	IntentRead  Intent = iota // Reads only
	IntentWrite               // May stage changes, committed through the journal
	IntentCheck               // Verifies the whole store
)

// Tx is the execution context for one statement.
type Tx struct {
	snap    *snapshot
	intent  Intent
	schema  *Schema
	mutable bool // schema is a private copy
	tables  map[string]*tableState
	freed   []uint32
	dirty   bool
}

// tableState is a table's rows as loaded and modified by the transaction.
type tableState struct {
	rows  []Row
	pages []uint32 // Chain the rows were loaded from
	dirty bool
}

func newTx(s *snapshot, intent Intent) *Tx {
	return &Tx{snap: s, intent: intent, schema: s.schema, tables: map[string]*tableState{}}
}

// Schema returns the tables visible to the transaction.
func (tx *Tx) Schema() *Schema {
	return tx.schema
}

// Table resolves a table name.
func (tx *Tx) Table(name string) (*Table, error) {
	t := tx.schema.Table(name)
	if t == nil {
		return nil, failf(faultNoTable, tx.snap.op, "", "%s", name)
	}
	return t, nil
}

// Scan returns every row of the named table.
func (tx *Tx) Scan(name string) ([]Row, error) {
	t, err := tx.Table(name)
	if err != nil {
		return nil, err
	}
	st, err := tx.load(t)
	if err != nil {
		return nil, err
	}
	return st.rows, nil
}

// load reads the table's chain, once per transaction.
func (tx *Tx) load(t *Table) (*tableState, error) {
	key := strings.ToLower(t.Name)
	if st, ok := tx.tables[key]; ok {
		return st, nil
	}
	st := &tableState{}
	if t.Root != 0 {
		data, pages, err := tx.snap.chain(t.Root, KindTable)
		if err != nil {
			return nil, err
		}
		rows, err := decodeRows(data, len(t.Columns))
		if err != nil {
			return nil, failf(faultPayload, tx.snap.op, tx.snap.db.path, "table %s: %v", t.Name, err)
		}
		st.rows = rows
		st.pages = pages
	}
	tx.tables[key] = st
	return st, nil
}

// writable checks the statement may write and gives the transaction its
// own copy of the schema.
func (tx *Tx) writable() error {
	if tx.intent != IntentWrite {
		return fail(faultReadOnlyPlan, tx.snap.op, "", nil)
	}
	if !tx.mutable {
		tx.schema = tx.schema.clone()
		tx.mutable = true
	}
	return nil
}

// CreateTable adds a table definition. With ifNotExists, an existing table
// of the same name makes this a no-op that stages nothing.
func (tx *Tx) CreateTable(t Table, ifNotExists bool) error {
	if tx.schema.Table(t.Name) != nil {
		if ifNotExists {
			return nil
		}
		return failf(faultTableExists, tx.snap.op, "", "%s", t.Name)
	}
	if len(t.Columns) == 0 {
		return failf(faultSyntax, tx.snap.op, "", "table %s has no columns", t.Name)
	}
	for i, c := range t.Columns {
		if t.Column(c.Name) != i {
			return failf(faultSyntax, tx.snap.op, "", "duplicate column %s", c.Name)
		}
	}
	if err := tx.writable(); err != nil {
		return err
	}

	t.Root = 0
	t.Columns = slices.Clone(t.Columns)
	tx.schema.Tables = append(tx.schema.Tables, &t)
	tx.tables[strings.ToLower(t.Name)] = &tableState{}
	tx.dirty = true
	return nil
}

// DropTable removes a table and frees its pages.
func (tx *Tx) DropTable(name string, ifExists bool) error {
	t := tx.schema.Table(name)
	if t == nil {
		if ifExists {
			return nil
		}
		return failf(faultNoTable, tx.snap.op, "", "%s", name)
	}
	if err := tx.writable(); err != nil {
		return err
	}
	t = tx.schema.Table(name)
	st, err := tx.load(t)
	if err != nil {
		return err
	}

	tx.freed = append(tx.freed, st.pages...)
	delete(tx.tables, strings.ToLower(t.Name))
	tx.schema.Tables = slices.DeleteFunc(tx.schema.Tables, func(x *Table) bool { return x == t })
	tx.dirty = true
	return nil
}

// Insert appends a row, enforcing not-null and unique columns. Values must
// be nil, a string or an integer that fits in an int64; anything else is
// rejected before the row is staged.
func (tx *Tx) Insert(name string, row Row) error {
	if err := tx.writable(); err != nil {
		return err
	}
	t, err := tx.Table(name)
	if err != nil {
		return err
	}
	if len(row) != len(t.Columns) {
		return failf(faultArity, tx.snap.op, "", "table %s has %d columns, got %d values", t.Name, len(t.Columns), len(row))
	}
	vals, bad := normalize(row)
	if bad >= 0 {
		return failf(faultType, tx.snap.op, "", "%s.%s: %T", t.Name, t.Columns[bad].Name, row[bad])
	}
	row = vals

	st, err := tx.load(t)
	if err != nil {
		return err
	}
	for i, c := range t.Columns {
		v := row[i]
		if v == nil {
			if c.NotNull {
				return failf(faultNotNull, tx.snap.op, "", "%s.%s", t.Name, c.Name)
			}
			continue
		}
		if !c.Unique {
			continue
		}
		for _, r := range st.rows {
			if equal(r[i], v) {
				return failf(faultUnique, tx.snap.op, "", "%s.%s", t.Name, c.Name)
			}
		}
	}

	st.rows = append(st.rows, row)
	st.dirty = true
	tx.dirty = true
	return nil
}

// Delete removes the rows of the named table for which match returns true,
// or every row if match is nil. It returns the number removed.
func (tx *Tx) Delete(name string, match func(Row) bool) (int, error) {
	if err := tx.writable(); err != nil {
		return 0, err
	}
	t, err := tx.Table(name)
	if err != nil {
		return 0, err
	}
	st, err := tx.load(t)
	if err != nil {
		return 0, err
	}

	n := len(st.rows)
	if match == nil {
		st.rows = nil
	} else {
		st.rows = slices.DeleteFunc(slices.Clone(st.rows), match)
	}
	removed := n - len(st.rows)
	if removed > 0 {
		st.dirty = true
		tx.dirty = true
	}
	return removed, nil
}

// normalize converts row to stored values: nil, int64 or string. Every Go
// integer type that fits in an int64 is widened. It returns the index of
// the first value that cannot be stored, or -1.
func normalize(row Row) (Row, int) {
	out := make(Row, len(row))
	for i, v := range row {
		switch v := v.(type) {
		case nil, string, int64:
			out[i] = v
		case int:
			out[i] = int64(v)
		case int8:
			out[i] = int64(v)
		case int16:
			out[i] = int64(v)
		case int32:
			out[i] = int64(v)
		case uint8:
			out[i] = int64(v)
		case uint16:
			out[i] = int64(v)
		case uint32:
			out[i] = int64(v)
		case uint:
			if uint64(v) > math.MaxInt64 {
				return nil, i
			}
			out[i] = int64(v)
		case uint64:
			if v > math.MaxInt64 {
				return nil, i
			}
			out[i] = int64(v)
		default:
			return nil, i
		}
	}
	return out, -1
}

// commit writes the staged changes. A transaction that staged nothing
// commits without touching the journal or the file.
func (tx *Tx) commit() error {
	if !tx.dirty {
		return nil
	}
	s := tx.snap
	db := s.db

	hdr := Header{
		Version:   FormatVersion,
		PageSize:  db.config.PageSize,
		Algorithm: db.config.Checksum,
		ID:        uuid.NewString(),
	}
	if !s.empty() {
		hdr = *s.hdr
	}

	l := &layout{snap: s, pageSize: hdr.PageSize, alg: hdr.Algorithm, next: max(hdr.Pages+1, 2), images: map[uint32][]byte{}}
	if hdr.Free != 0 {
		_, free, err := s.chain(hdr.Free, KindFree)
		if err != nil {
			return err
		}
		l.free = free
	}
	l.free = append(l.free, tx.freed...)

	// Tables first, so their new roots land in the catalog.
	for _, key := range slices.Sorted(maps.Keys(tx.tables)) {
		st := tx.tables[key]
		if !st.dirty {
			continue
		}
		t := tx.schema.Table(key)
		var data []byte
		if len(st.rows) > 0 {
			var err error
			if data, err = encodeRows(st.rows); err != nil {
				return fail(faultPayload, s.op, db.path, err)
			}
		}
		root, err := l.chain(KindTable, data, st.pages, false)
		if err != nil {
			return err
		}
		t.Root = root
	}

	catalog, err := encodeSchema(tx.schema)
	if err != nil {
		return fail(faultPayload, s.op, db.path, err)
	}
	if _, err := l.chain(KindCatalog, catalog, s.catalog, true); err != nil {
		return err
	}
	if err := l.freeChain(&hdr); err != nil {
		return err
	}

	hdr.Pages = l.next - 1
	hdr.Counter++
	if err := l.stampHeader(&hdr); err != nil {
		return fail(faultPayload, s.op, db.path, err)
	}

	if err := db.write(s, hdr.size(), hdr.PageSize, l.images); err != nil {
		return err
	}
	db.cache = &schemaCache{id: hdr.ID, counter: hdr.Counter, schema: tx.schema, pages: l.catalog}
	return nil
}

// layout assigns pages to chains and builds their images.
type layout struct {
	snap     *snapshot
	pageSize int
	alg      int
	next     uint32   // First page past the end of the file
	free     []uint32 // Pages available for reuse
	images   map[uint32][]byte
	catalog  []uint32
}

// take returns a page to write, preferring free pages.
func (l *layout) take() uint32 {
	if len(l.free) > 0 {
		slices.Sort(l.free)
		pgno := l.free[0]
		l.free = l.free[1:]
		return pgno
	}
	pgno := l.next
	l.next++
	return pgno
}

// chain lays data out as a chain of pages of the given kind, reusing old
// pages first. The catalog chain is pinned to page 1 and always has at
// least one page. It returns the chain's first page, 0 if it has none.
func (l *layout) chain(kind byte, data []byte, old []uint32, pinned bool) (uint32, error) {
	var pages []uint32
	var chunks [][]byte
	for len(data) > 0 || (pinned && len(pages) == 0) {
		var pgno uint32
		switch {
		case pinned && len(pages) == 0:
			pgno = 1
		case len(pages) < len(old):
			pgno = old[len(pages)]
		default:
			pgno = l.take()
		}
		n := min(capacity(pgno, l.pageSize), len(data))
		pages = append(pages, pgno)
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	for _, pgno := range old[min(len(pages), len(old)):] {
		if pgno != 1 {
			l.free = append(l.free, pgno)
		}
	}

	for i, pgno := range pages {
		var next uint32
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		img := make([]byte, l.pageSize)
		if err := encodePage(img, pgno, page{kind: kind, next: next, data: chunks[i]}, l.alg); err != nil {
			return 0, fail(faultPayload, l.snap.op, l.snap.db.path, err)
		}
		l.images[pgno] = img
	}
	if kind == KindCatalog {
		l.catalog = pages
	}
	if len(pages) == 0 {
		return 0, nil
	}
	return pages[0], nil
}

// freeChain writes the remaining free pages as the free chain.
func (l *layout) freeChain(hdr *Header) error {
	slices.SortFunc(l.free, func(a, b uint32) int { return cmp.Compare(a, b) })
	l.free = slices.Compact(l.free)
	hdr.Free = 0
	for i, pgno := range l.free {
		var next uint32
		if i+1 < len(l.free) {
			next = l.free[i+1]
		}
		img := make([]byte, l.pageSize)
		if err := encodePage(img, pgno, page{kind: KindFree, next: next}, l.alg); err != nil {
			return fail(faultPayload, l.snap.op, l.snap.db.path, err)
		}
		l.images[pgno] = img
	}
	if len(l.free) > 0 {
		hdr.Free = l.free[0]
	}
	return nil
}

// stampHeader writes hdr into the image of page 1.
func (l *layout) stampHeader(hdr *Header) error {
	buf, err := hdr.encode()
	if err != nil {
		return err
	}
	copy(l.images[1], buf)
	return nil
}

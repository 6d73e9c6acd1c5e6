package quire

import (
	"bytes"
	"os"
	"strconv"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/spf13/afero"
)

const memPath = "/data/test.quire"

// memSeeded returns a store on an in-memory filesystem holding table t with
// the row 'abc'.
func memSeeded(t *testing.T) (afero.Fs, *DB) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/data", 0755); err != nil {
		t.Fatal(err)
	}
	db := openMemDB(t, fs, memPath)
	if err := db.Exec(createTable + insertRow); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return fs, db
}

func readAll(t *testing.T, fs afero.Fs, path string) []byte {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func journalExists(fs afero.Fs, path string) bool {
	_, err := fs.Stat(JournalPath(path))
	return err == nil
}

// sealedJournal builds a complete sealed journal holding the given page
// images.
func sealedJournal(t *testing.T, hdr journalHeader, images []pageImage, sums ...string) []byte {
	t.Helper()
	hdr.Magic = journalMagic
	hdr.Version = FormatVersion
	hdr.Sealed = 1
	hdr.Records = len(images)
	buf, err := hdr.encode()
	if err != nil {
		t.Fatal(err)
	}
	for i, pi := range images {
		sum := strconv.FormatUint(checksum(pi.pgno, pi.img, hdr.Algorithm), 16)
		if i < len(sums) {
			sum = sums[i]
		}
		line, err := json.Marshal(journalRecord{Page: pi.pgno, Sum: sum, Data: packImage(pi.img)})
		if err != nil {
			t.Fatal(err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf
}

func TestJournalPath(t *testing.T) {
	if got := JournalPath("/tmp/store"); got != "/tmp/store-journal" {
		t.Errorf("JournalPath = %q", got)
	}
}

// A sealed journal for this store is played back before the next access,
// undoing a commit that was interrupted after it started writing pages.
func TestHotJournalRollback(t *testing.T) {
	fs, db := memSeeded(t)
	original := readAll(t, fs, memPath)

	hdr, err := db.Header()
	if err != nil {
		t.Fatal(err)
	}
	page2 := append([]byte(nil), original[hdr.PageSize:2*hdr.PageSize]...)
	journal := sealedJournal(t, journalHeader{
		ID:        hdr.ID,
		Counter:   hdr.Counter,
		PageSize:  hdr.PageSize,
		Size:      int64(len(original)),
		Algorithm: AlgXXHash3,
	}, []pageImage{{pgno: 2, img: page2}})
	if err := afero.WriteFile(fs, JournalPath(memPath), journal, 0644); err != nil {
		t.Fatal(err)
	}

	// Half-written commit: page 2 overwritten, file grown by a page.
	f, err := fs.OpenFile(memPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt(bytes.Repeat([]byte{0xff}, hdr.PageSize), int64(hdr.PageSize))
	f.WriteAt(make([]byte, hdr.PageSize), int64(2*hdr.PageSize))
	f.Close()

	rows, err := db.Query(selectRows)
	if err != nil {
		t.Fatalf("Query after crash: %v", err)
	}
	if len(rows.Values) != 1 || rows.Values[0][0] != "abc" {
		t.Errorf("rows = %v, want [[abc]]", rows.Values)
	}
	if journalExists(fs, memPath) {
		t.Error("hot journal was not removed after playback")
	}
	if got := readAll(t, fs, memPath); !bytes.Equal(got, original) {
		t.Errorf("store not restored: %d bytes, want %d", len(got), len(original))
	}
}

// A crash during the first commit to an empty store leaves a journal with
// no pages and an original size of zero.
func TestHotJournalFreshStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openMemDB(t, fs, memPath)

	journal := sealedJournal(t, journalHeader{PageSize: DefaultPageSize, Algorithm: AlgXXHash3}, nil)
	if err := afero.WriteFile(fs, JournalPath(memPath), journal, 0644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, memPath, []byte(Magic+"half a header"), 0644); err != nil {
		t.Fatal(err)
	}

	expectCodes(t, db, Ok, Ok, Ok, Ok, Ok)
	if journalExists(fs, memPath) {
		t.Error("journal was not removed")
	}
}

func TestStaleJournals(t *testing.T) {
	fs, db := memSeeded(t)
	hdr, _ := db.Header()
	original := readAll(t, fs, memPath)
	garbage := pageImage{pgno: 2, img: bytes.Repeat([]byte{0xee}, hdr.PageSize)}
	geometry := journalHeader{
		ID:        hdr.ID,
		Counter:   hdr.Counter,
		PageSize:  hdr.PageSize,
		Size:      int64(len(original)),
		Algorithm: AlgXXHash3,
	}

	unsealed := sealedJournal(t, geometry, []pageImage{garbage})
	unsealed = bytes.Replace(unsealed, []byte(`"_s":1`), []byte(`"_s":0`), 1)

	other := geometry
	other.ID = "another-store"

	short := sealedJournal(t, geometry, []pageImage{garbage})
	short = bytes.Replace(short, []byte(`"_n":1`), []byte(`"_n":2`), 1)

	tests := []struct {
		name    string
		content []byte
	}{
		{"empty", nil},
		{"trash", []byte("trash\n")},
		{"header only garbage", bytes.Repeat([]byte{'x'}, JournalHeaderSize+10)},
		{"unsealed", unsealed},
		{"other store", sealedJournal(t, other, []pageImage{garbage})},
		{"bad record checksum", sealedJournal(t, geometry, []pageImage{garbage}, "0")},
		{"missing records", short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := afero.WriteFile(fs, JournalPath(memPath), tt.content, 0644); err != nil {
				t.Fatal(err)
			}

			rows, err := db.Query(selectRows)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(rows.Values) != 1 {
				t.Errorf("rows = %v, want the seeded row", rows.Values)
			}
			if journalExists(fs, memPath) {
				t.Error("stale journal was not removed")
			}
			if got := readAll(t, fs, memPath); !bytes.Equal(got, original) {
				t.Error("stale journal modified the store")
			}
		})
	}
}

func TestJournalDirOnEmptyStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openMemDB(t, fs, memPath)
	if err := fs.MkdirAll(JournalPath(memPath), 0755); err != nil {
		t.Fatal(err)
	}

	if err := db.Exec(integrityCheck); err != nil {
		t.Errorf("integrity check = %v, want nil", err)
	}
	if err := db.Exec(createTable); CodeOf(err) != CantOpen {
		t.Errorf("create = %v, want CantOpen", err)
	}
	for _, stmt := range []string{insertRow, selectRows, deleteRows} {
		if err := db.Exec(stmt); CodeOf(err) != Error {
			t.Errorf("%q = %v, want Error", stmt, err)
		}
	}
	if data := readAll(t, fs, memPath); len(data) != 0 {
		t.Errorf("store is %d bytes after failed writes, want 0", len(data))
	}
}

func TestJournalDirOnEmptyStoreOnDisk(t *testing.T) {
	path := testPath(t)
	mkJournalDir(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, Ok, CantOpen, Error, Error, Error)
	if err := db.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
	if size := fileSize(t, path); size != 0 {
		t.Errorf("store is %d bytes, want 0", size)
	}
}

func TestJournalDirOnEmptyFile(t *testing.T) {
	path := testPath(t)
	writeEmpty(t, path)
	mkJournalDir(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, Ok, CantOpen, Error, Error, Error)
}

func TestJournalDirOnTrash(t *testing.T) {
	path := testPath(t)
	writeTrash(t, path)
	mkJournalDir(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, IoError, IoError, IoError, IoError, IoError)

	stmt, err := db.Prepare(integrityCheck)
	if stmt != nil || CodeOf(err) != IoError {
		t.Fatalf("Prepare = %v, %v; want nil, IoError", stmt, err)
	}
	if err := stmt.Step(); CodeOf(err) != Misuse {
		t.Errorf("Step = %v, want Misuse", err)
	}
	stmt.Finalize()
}

// failFs refuses to open one path.
type failFs struct {
	afero.Fs
	refuse string
}

func (f *failFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == f.refuse {
		return nil, os.ErrPermission
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestJournalCreateFailureLeavesStore(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := &failFs{Fs: mem}
	db := openMemDB(t, fs, memPath)
	if err := db.Exec(createTable + insertRow); err != nil {
		t.Fatal(err)
	}
	original := readAll(t, mem, memPath)

	fs.refuse = JournalPath(memPath)
	err := db.Exec("insert into t values ('def')")
	if CodeOf(err) != CantOpen {
		t.Errorf("insert = %v, want CantOpen", err)
	}
	if got := readAll(t, mem, memPath); !bytes.Equal(got, original) {
		t.Error("store changed without a journal")
	}

	fs.refuse = ""
	rows, err := db.Query(selectRows)
	if err != nil || len(rows.Values) != 1 {
		t.Errorf("Query = %v, %v; want the seeded row", rows, err)
	}
}

// flakyFile fails one WriteAt call.
type flakyFile struct {
	afero.File
	writes int
	failAt int
}

func (f *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	f.writes++
	if f.writes == f.failAt {
		return 0, os.ErrInvalid
	}
	return f.File.WriteAt(p, off)
}

type flakyFs struct {
	afero.Fs
	store string
	file  *flakyFile
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil || name != f.store {
		return file, err
	}
	f.file = &flakyFile{File: file}
	return f.file, nil
}

// A write that fails part way through a commit is undone from the
// journal before the statement returns.
func TestWriteFailureRestoresStore(t *testing.T) {
	mem := afero.NewMemMapFs()
	fs := &flakyFs{Fs: mem, store: memPath}
	db := openMemDB(t, fs, memPath)
	if err := db.Exec(createTable + insertRow); err != nil {
		t.Fatal(err)
	}
	original := readAll(t, mem, memPath)

	// The commit rewrites page 1 then page 2; fail the second write.
	fs.file.failAt = fs.file.writes + 2
	err := db.Exec("insert into t values ('def')")
	if CodeOf(err) != IoError {
		t.Fatalf("insert = %v, want IoError", err)
	}
	if got := readAll(t, mem, memPath); !bytes.Equal(got, original) {
		t.Error("store not restored after failed write")
	}
	if journalExists(mem, memPath) {
		t.Error("journal left behind after restore")
	}

	rows, err := db.Query(selectRows)
	if err != nil || len(rows.Values) != 1 {
		t.Errorf("Query = %v, %v; want the seeded row", rows, err)
	}
	if err := db.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

func TestParseJournalRejectsOversizedHeader(t *testing.T) {
	h := journalHeader{ID: string(bytes.Repeat([]byte{'a'}, JournalHeaderSize))}
	if _, err := h.encode(); err == nil {
		t.Error("expected error for oversized journal header")
	}
}

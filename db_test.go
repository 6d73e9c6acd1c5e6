package quire

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/afero"
)

// The statement sequence every scenario runs, in this order.
const (
	integrityCheck = "pragma integrity_check;"
	createTable    = "create table if not exists t (i text unique);"
	insertRow      = "insert into t (i) values ('abc');"
	selectRows     = "select * from t;"
	deleteRows     = "delete from t;"
)

var sequence = []string{integrityCheck, createTable, insertRow, selectRows, deleteRows}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.quire")
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := Open(afero.NewOsFs(), path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func openMemDB(t *testing.T, fs afero.Fs, path string) *DB {
	t.Helper()
	db, err := Open(fs, path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seed creates a store at path holding table t with the row 'abc'.
func seed(t *testing.T, path string) {
	t.Helper()
	db, err := Open(afero.NewOsFs(), path, Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Exec(createTable + insertRow); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// corruptPartially cuts the file at 1 KiB and appends 512 random bytes,
// leaving the header intact.
func corruptPartially(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	noise := make([]byte, 512)
	rand.Read(noise)
	if err := f.Truncate(1024); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(noise, 1024); err != nil {
		t.Fatal(err)
	}
}

func writeTrash(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("trash\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeEmpty(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func mkJournalDir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(JournalPath(path), 0755); err != nil {
		t.Fatal(err)
	}
}

// expectCodes runs the statement sequence through Exec and checks each
// result code.
func expectCodes(t *testing.T, db *DB, want ...Code) {
	t.Helper()
	for i, stmt := range sequence {
		if got := CodeOf(db.Exec(stmt)); got != want[i] {
			t.Errorf("%q = %s, want %s", stmt, got, want[i])
		}
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return info.Size()
}

func TestOpenCreatesFile(t *testing.T) {
	path := testPath(t)
	openTestDB(t, path)

	if size := fileSize(t, path); size != 0 {
		t.Errorf("new store is %d bytes, want 0", size)
	}
}

func TestOpenDirectory(t *testing.T) {
	_, err := Open(afero.NewOsFs(), t.TempDir(), Config{})
	if CodeOf(err) != CantOpen {
		t.Errorf("Open(dir) = %v, want CantOpen", err)
	}
}

func TestOpenInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"page size not a power of two", Config{PageSize: 1000}},
		{"page size too small", Config{PageSize: 256}},
		{"unknown checksum", Config{Checksum: 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(afero.NewMemMapFs(), "/test.quire", tt.config)
			if CodeOf(err) != Misuse {
				t.Errorf("Open = %v, want Misuse", err)
			}
		})
	}
}

func TestOpenNilFs(t *testing.T) {
	db, err := Open(nil, testPath(t), Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Exec(createTable); err != nil {
		t.Errorf("Exec: %v", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	db := openTestDB(t, testPath(t))
	if err := db.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUseAfterClose(t *testing.T) {
	db := openTestDB(t, testPath(t))
	db.Close()

	if err := db.Exec(selectRows); !errors.Is(err, ErrMisuse) {
		t.Errorf("Exec after Close = %v, want ErrMisuse", err)
	}
	if _, err := db.Prepare(selectRows); !errors.Is(err, ErrMisuse) {
		t.Errorf("Prepare after Close = %v, want ErrMisuse", err)
	}
}

func TestFreshStore(t *testing.T) {
	db := openTestDB(t, testPath(t))

	if err := db.Exec(createTable); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, stmt := range []string{insertRow, selectRows, deleteRows} {
		if err := db.Exec(stmt); err != nil {
			t.Errorf("%q: %v", stmt, err)
		}
	}
}

func TestEmptyStore(t *testing.T) {
	path := testPath(t)
	writeEmpty(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, Ok, Ok, Ok, Ok, Ok)
}

func TestTrashStore(t *testing.T) {
	path := testPath(t)
	writeTrash(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, NotADatabase, NotADatabase, NotADatabase, NotADatabase, NotADatabase)
}

func TestTrashStoreStaged(t *testing.T) {
	path := testPath(t)
	writeTrash(t, path)
	db := openTestDB(t, path)

	stmt, err := db.Prepare(selectRows)
	if stmt != nil {
		t.Fatal("Prepare returned a statement for a store that is not a container")
	}
	if CodeOf(err) != NotADatabase {
		t.Errorf("Prepare = %v, want NotADatabase", err)
	}
	if err := stmt.Step(); CodeOf(err) != Misuse {
		t.Errorf("Step = %v, want Misuse", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Errorf("Finalize = %v, want nil", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	path := testPath(t)
	seed(t, path)

	db := openTestDB(t, path)
	rows, err := db.Query(selectRows)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows.Values) != 1 || rows.Values[0][0] != "abc" {
		t.Errorf("rows = %v, want [[abc]]", rows.Values)
	}
	if len(rows.Columns) != 1 || rows.Columns[0] != "i" {
		t.Errorf("columns = %v, want [i]", rows.Columns)
	}
}

func TestExistingStoreConstraint(t *testing.T) {
	path := testPath(t)
	seed(t, path)
	db := openTestDB(t, path)

	err := db.Exec(insertRow)
	if !errors.Is(err, ErrConstraint) {
		t.Errorf("duplicate insert = %v, want ErrConstraint", err)
	}
}

func TestExistingStorePartiallyCorrupt(t *testing.T) {
	path := testPath(t)
	seed(t, path)
	corruptPartially(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, Corrupt, Corrupt, Corrupt, Corrupt, Corrupt)
}

func TestExistingStoreJournalFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"trash", "trash\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testPath(t)
			seed(t, path)
			if err := os.WriteFile(JournalPath(path), []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			db := openTestDB(t, path)

			expectCodes(t, db, Ok, Ok, Constraint, Ok, Ok)
			if _, err := os.Stat(JournalPath(path)); !os.IsNotExist(err) {
				t.Errorf("stale journal still present: %v", err)
			}
		})
	}
}

func TestExistingStoreJournalDir(t *testing.T) {
	path := testPath(t)
	seed(t, path)
	mkJournalDir(t, path)
	db := openTestDB(t, path)

	expectCodes(t, db, IoError, IoError, IoError, IoError, IoError)
}

func TestPartiallyCorruptWithJournalDir(t *testing.T) {
	path := testPath(t)
	seed(t, path)
	corruptPartially(t, path)
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
	if err := db.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}

func TestSchemaAndHeader(t *testing.T) {
	path := testPath(t)
	db := openTestDB(t, path)

	hdr, err := db.Header()
	if err != nil || hdr != nil {
		t.Fatalf("Header on empty store = %v, %v; want nil, nil", hdr, err)
	}
	if err := db.Exec(createTable + insertRow); err != nil {
		t.Fatal(err)
	}

	hdr, err = db.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if hdr.PageSize != DefaultPageSize || hdr.Algorithm != AlgXXHash3 || hdr.ID == "" {
		t.Errorf("header = %+v", hdr)
	}
	if hdr.Counter != 2 {
		t.Errorf("Counter = %d, want 2 after two commits", hdr.Counter)
	}
	if got := fileSize(t, path); got != hdr.size() {
		t.Errorf("file is %d bytes, header declares %d", got, hdr.size())
	}

	schema, err := db.Schema()
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	tbl := schema.Table("T")
	if tbl == nil || len(tbl.Columns) != 1 || !tbl.Columns[0].Unique || tbl.Columns[0].Type != "text" {
		t.Errorf("table = %+v", tbl)
	}
}

func TestSecondHandleSeesCommits(t *testing.T) {
	fs := afero.NewMemMapFs()
	db1 := openMemDB(t, fs, "/test.quire")
	db2 := openMemDB(t, fs, "/test.quire")

	if err := db1.Exec(createTable + insertRow); err != nil {
		t.Fatal(err)
	}
	rows, err := db2.Query(selectRows)
	if err != nil {
		t.Fatalf("Query on second handle: %v", err)
	}
	if len(rows.Values) != 1 {
		t.Fatalf("second handle sees %d rows, want 1", len(rows.Values))
	}

	if err := db2.Exec("insert into t values ('def')"); err != nil {
		t.Fatal(err)
	}
	rows, err = db1.Query(selectRows)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows.Values) != 2 {
		t.Errorf("first handle sees %d rows, want 2", len(rows.Values))
	}
}

func TestCustomPageSizeAndChecksum(t *testing.T) {
	fs := afero.NewMemMapFs()
	db, err := Open(fs, "/test.quire", Config{PageSize: 512, Checksum: AlgBlake2b})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := db.Exec("create table kv (k text primary key, v integer)"); err != nil {
		t.Fatal(err)
	}
	// Enough rows to span several 512-byte pages.
	for i := range 100 {
		if err := db.Exec("insert into kv values ('key" + strconv.Itoa(i) + "', " + strconv.Itoa(i) + ")"); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	rows, err := db.Query("select v from kv where k = 'key42'")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows.Values) != 1 || rows.Values[0][0] != int64(42) {
		t.Errorf("rows = %v, want [[42]]", rows.Values)
	}

	hdr, _ := db.Header()
	if hdr.PageSize != 512 || hdr.Algorithm != AlgBlake2b || hdr.Pages < 3 {
		t.Errorf("header = %+v", hdr)
	}
	if err := db.Check(); err != nil {
		t.Errorf("Check: %v", err)
	}
}

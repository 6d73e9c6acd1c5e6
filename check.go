// Integrity check.
//
// Check walks the whole store rather than just what a statement touches:
// every chain is read and verified, every page must belong to exactly one
// chain, and every table's rows must decode and honour their unique columns.
package quire

import (
	"fmt"
	"strings"
)

// Check verifies the whole store. It returns the single line "ok", or the
// problems found together with a Corrupt error.
func (tx *Tx) Check() ([]string, error) {
	s := tx.snap
	if s.empty() {
		return []string{"ok"}, nil
	}

	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	info, err := s.db.file.Stat()
	if err != nil {
		return nil, fail(faultRead, s.op, s.db.path, err)
	}
	if info.Size() != s.hdr.size() {
		report("file is %d bytes, header declares %d", info.Size(), s.hdr.size())
	}

	owner := map[uint32]string{}
	claim := func(pages []uint32, name string) {
		for _, pgno := range pages {
			if prev, ok := owner[pgno]; ok {
				report("page %d is used by %s and %s", pgno, prev, name)
				continue
			}
			owner[pgno] = name
		}
	}
	claim(s.catalog, "the catalog")

	for _, t := range s.schema.Tables {
		if t.Root == 0 {
			continue
		}
		name := "table " + t.Name
		data, pages, err := s.chain(t.Root, KindTable)
		if err != nil {
			report("%s: %s", name, detail(err))
			continue
		}
		claim(pages, name)
		rows, err := decodeRows(data, len(t.Columns))
		if err != nil {
			report("%s: %v", name, err)
			continue
		}
		checkRows(t, rows, report)
	}

	if s.hdr.Free != 0 {
		_, pages, err := s.chain(s.hdr.Free, KindFree)
		if err != nil {
			report("free list: %s", detail(err))
		} else {
			claim(pages, "the free list")
		}
	}

	for pgno := uint32(1); pgno <= s.hdr.Pages; pgno++ {
		if _, ok := owner[pgno]; !ok {
			report("page %d is never used", pgno)
		}
	}

	if len(problems) > 0 {
		return problems, failf(faultCheck, s.op, s.db.path, "%s", strings.Join(problems, "; "))
	}
	return []string{"ok"}, nil
}

// checkRows reports empty rows in not-null columns and repeats in unique ones.
func checkRows(t *Table, rows []Row, report func(string, ...any)) {
	for i, c := range t.Columns {
		seen := map[any]int{}
		for n, r := range rows {
			v := r[i]
			if v == nil {
				if c.NotNull {
					report("table %s: row %d: %s is null", t.Name, n+1, c.Name)
				}
				continue
			}
			if !c.Unique {
				continue
			}
			if first, ok := seen[v]; ok {
				report("table %s: rows %d and %d share %s = %v", t.Name, first+1, n+1, c.Name, v)
				continue
			}
			seen[v] = n
		}
	}
}

// detail returns the message of a package error without its op and path.
func detail(err error) string {
	if e, ok := err.(*Error); ok {
		if e.Err != nil {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Msg
	}
	return err.Error()
}

// Table definitions and row encoding.
//
// The catalog chain (rooted at page 1) holds a JSON array of tables. Each
// table with rows owns a chain rooted at Table.Root whose payload is a JSON
// array of rows. A table without rows has no pages and a zero root.
package quire

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Table is one table definition in the catalog.
type Table struct {
	Name    string   `json:"_n"`
	Root    uint32   `json:"_r"` // First page of the row chain, 0 if empty
	Columns []Column `json:"_c"`
}

// Column is one column of a table.
type Column struct {
	Name    string `json:"_n"`
	Type    string `json:"_t,omitempty"`
	Unique  bool   `json:"_u,omitempty"`
	NotNull bool   `json:"_nn,omitempty"`
}

// Row is one row of values. Values are nil, int64 or string.
type Row []any

// Rows is the result of a statement.
type Rows struct {
	Columns []string
	Values  []Row
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (t *Table) columnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema is the set of tables in a store.
type Schema struct {
	Tables []*Table
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	if s == nil {
		return nil
	}
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	return nil
}

// clone returns a deep copy that a transaction can modify.
func (s *Schema) clone() *Schema {
	out := &Schema{Tables: make([]*Table, len(s.Tables))}
	for i, t := range s.Tables {
		c := *t
		c.Columns = append([]Column(nil), t.Columns...)
		out.Tables[i] = &c
	}
	return out
}

func encodeSchema(s *Schema) ([]byte, error) {
	tables := s.Tables
	if tables == nil {
		tables = []*Table{}
	}
	return json.Marshal(tables)
}

func decodeSchema(data []byte) (*Schema, error) {
	var tables []*Table
	if err := json.Unmarshal(data, &tables); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if t == nil || t.Name == "" || len(t.Columns) == 0 {
			return nil, fmt.Errorf("malformed table definition")
		}
	}
	return &Schema{Tables: tables}, nil
}

func encodeRows(rows []Row) ([]byte, error) {
	return json.Marshal(rows)
}

// decodeRows parses a table payload. Numbers come back as int64.
func decodeRows(data []byte, arity int) ([]Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	rows := make([]Row, len(raw))
	for i, r := range raw {
		if len(r) != arity {
			return nil, fmt.Errorf("row %d has %d values, table has %d columns", i, len(r), arity)
		}
		row := make(Row, len(r))
		for j, v := range r {
			switch v := v.(type) {
			case nil, string:
				row[j] = v
			case json.Number:
				n, err := v.Int64()
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
				row[j] = n
			default:
				return nil, fmt.Errorf("row %d: unsupported value %T", i, v)
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// equal compares two stored values.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return a == b
}

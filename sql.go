// Built-in statement compiler.
//
// SQL compiles the small statement language the store understands:
//
//	pragma integrity_check
//	create table [if not exists] t (col [type] [unique | primary key | not null] ...)
//	drop table [if exists] t
//	insert into t [(col, ...)] values (v, ...)[, (v, ...)]
//	select * | col, ... from t [where col = v]
//	delete from t [where col = v]
//
// Values are quoted text ('it''s'), integers and null. Keywords and names are
// case-insensitive. Any other Compiler can be plugged in through Config; it
// only has to produce Plans that run against a Tx.
package quire

import (
	"strconv"
	"strings"
	"unicode"
)

// Compiler turns statement text into a Plan.
type Compiler interface {
	Compile(text string) (Plan, error)
}

// Plan is a compiled statement. Resolve binds names against the schema of
// the snapshot the plan will run on and is called again before every run,
// since the schema may have changed since preparation.
type Plan interface {
	Intent() Intent
	Resolve(schema *Schema) error
	Run(tx *Tx) (*Rows, error)
}

// SQL is the built-in Compiler.
type SQL struct{}

// Compile parses one statement. A trailing semicolon is allowed.
func (SQL) Compile(text string) (Plan, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	plan, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.accept(";")
	if !p.done() {
		return nil, p.errorf("unexpected %q after statement", p.peek().text)
	}
	return plan, nil
}

// splitStatements splits a script on semicolons outside quoted text. Blank
// statements are dropped.
func splitStatements(text string) []string {
	var out []string
	start := 0
	quoted := false
	for i, r := range text {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ';' && !quoted:
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(text string) ([]token, error) {
	var toks []token
	rs := []rune(text)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'':
			var b strings.Builder
			i++
			for {
				if i >= len(rs) {
					return nil, failf(faultSyntax, "compile", "", "unterminated string")
				}
				if rs[i] == '\'' {
					if i+1 < len(rs) && rs[i+1] == '\'' {
						b.WriteRune('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteRune(rs[i])
				i++
			}
			toks = append(toks, token{tokString, b.String()})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
			}
			toks = append(toks, token{tokNumber, string(rs[i:j])})
			i = j
		case r == '_' || unicode.IsLetter(r):
			j := i + 1
			for j < len(rs) && (rs[j] == '_' || unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			toks = append(toks, token{tokWord, string(rs[i:j])})
			i = j
		case strings.ContainsRune("(),;*=", r):
			toks = append(toks, token{tokPunct, string(r)})
			i++
		default:
			return nil, failf(faultSyntax, "compile", "", "unexpected character %q", r)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: tokPunct, text: "end of input"}
	}
	return p.toks[p.pos]
}

func (p *parser) errorf(format string, args ...any) error {
	return failf(faultSyntax, "compile", "", format, args...)
}

// accept consumes the next token if it is the given keyword or punctuation.
func (p *parser) accept(s string) bool {
	t := p.peek()
	if p.done() || t.kind == tokString || t.kind == tokNumber || !strings.EqualFold(t.text, s) {
		return false
	}
	p.pos++
	return true
}

func (p *parser) expect(words ...string) error {
	for _, w := range words {
		if !p.accept(w) {
			return p.errorf("expected %q, found %q", w, p.peek().text)
		}
	}
	return nil
}

func (p *parser) name() (string, error) {
	t := p.peek()
	if p.done() || t.kind != tokWord {
		return "", p.errorf("expected a name, found %q", t.text)
	}
	p.pos++
	return t.text, nil
}

func (p *parser) value() (any, error) {
	t := p.peek()
	switch {
	case p.done():
	case t.kind == tokString:
		p.pos++
		return t.text, nil
	case t.kind == tokNumber:
		p.pos++
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf("integer %s out of range", t.text)
		}
		return n, nil
	case t.kind == tokWord && strings.EqualFold(t.text, "null"):
		p.pos++
		return nil, nil
	}
	return nil, p.errorf("expected a value, found %q", t.text)
}

func (p *parser) statement() (Plan, error) {
	switch {
	case p.accept("pragma"):
		if err := p.expect("integrity_check"); err != nil {
			return nil, err
		}
		return checkPlan{}, nil
	case p.accept("create"):
		return p.create()
	case p.accept("drop"):
		return p.drop()
	case p.accept("insert"):
		return p.insert()
	case p.accept("select"):
		return p.selectRows()
	case p.accept("delete"):
		return p.deleteRows()
	}
	return nil, p.errorf("unknown statement %q", p.peek().text)
}

func (p *parser) create() (Plan, error) {
	if err := p.expect("table"); err != nil {
		return nil, err
	}
	var plan createPlan
	if p.accept("if") {
		if err := p.expect("not", "exists"); err != nil {
			return nil, err
		}
		plan.ifNotExists = true
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	plan.table.Name = name
	if err := p.expect("("); err != nil {
		return nil, err
	}
	for {
		col, err := p.column()
		if err != nil {
			return nil, err
		}
		plan.table.Columns = append(plan.table.Columns, col)
		if p.accept(")") {
			break
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func (p *parser) column() (Column, error) {
	name, err := p.name()
	if err != nil {
		return Column{}, err
	}
	col := Column{Name: name}
	for {
		switch {
		case p.accept("unique"):
			col.Unique = true
		case p.accept("primary"):
			if err := p.expect("key"); err != nil {
				return Column{}, err
			}
			col.Unique = true
			col.NotNull = true
		case p.accept("not"):
			if err := p.expect("null"); err != nil {
				return Column{}, err
			}
			col.NotNull = true
		case !p.done() && p.peek().kind == tokWord && col.Type == "":
			col.Type = strings.ToLower(p.peek().text)
			p.pos++
			if p.accept("(") {
				// Type arguments such as varchar(10) are accepted and ignored.
				for !p.accept(")") {
					if p.done() {
						return Column{}, p.errorf("unterminated type arguments")
					}
					p.pos++
				}
			}
		default:
			return col, nil
		}
	}
}

func (p *parser) drop() (Plan, error) {
	if err := p.expect("table"); err != nil {
		return nil, err
	}
	var plan dropPlan
	if p.accept("if") {
		if err := p.expect("exists"); err != nil {
			return nil, err
		}
		plan.ifExists = true
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	plan.table = name
	return plan, nil
}

func (p *parser) insert() (Plan, error) {
	if err := p.expect("into"); err != nil {
		return nil, err
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	plan := &insertPlan{table: name}
	if p.accept("(") {
		for {
			col, err := p.name()
			if err != nil {
				return nil, err
			}
			plan.columns = append(plan.columns, col)
			if p.accept(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
	}
	if err := p.expect("values"); err != nil {
		return nil, err
	}
	for {
		if err := p.expect("("); err != nil {
			return nil, err
		}
		var row Row
		for {
			v, err := p.value()
			if err != nil {
				return nil, err
			}
			row = append(row, v)
			if p.accept(")") {
				break
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
		}
		plan.rows = append(plan.rows, row)
		if !p.accept(",") {
			break
		}
	}
	return plan, nil
}

func (p *parser) selectRows() (Plan, error) {
	plan := &selectPlan{}
	if !p.accept("*") {
		for {
			col, err := p.name()
			if err != nil {
				return nil, err
			}
			plan.columns = append(plan.columns, col)
			if !p.accept(",") {
				break
			}
		}
	}
	if err := p.expect("from"); err != nil {
		return nil, err
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	plan.table = name
	if plan.where, err = p.where(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *parser) deleteRows() (Plan, error) {
	if err := p.expect("from"); err != nil {
		return nil, err
	}
	name, err := p.name()
	if err != nil {
		return nil, err
	}
	plan := &deletePlan{table: name}
	if plan.where, err = p.where(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *parser) where() (*condition, error) {
	if !p.accept("where") {
		return nil, nil
	}
	col, err := p.name()
	if err != nil {
		return nil, err
	}
	if err := p.expect("="); err != nil {
		return nil, err
	}
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	return &condition{column: col, value: v, index: -1}, nil
}

// condition is a "col = value" filter. Null never matches.
type condition struct {
	column string
	value  any
	index  int
}

func (c *condition) resolve(t *Table) error {
	if c == nil {
		return nil
	}
	if c.index = t.Column(c.column); c.index < 0 {
		return failf(faultNoColumn, "resolve", "", "%s.%s", t.Name, c.column)
	}
	return nil
}

func (c *condition) match(r Row) bool {
	return c == nil || equal(r[c.index], c.value)
}

// resolveTable looks name up for a plan.
func resolveTable(schema *Schema, name string) (*Table, error) {
	t := schema.Table(name)
	if t == nil {
		return nil, failf(faultNoTable, "resolve", "", "%s", name)
	}
	return t, nil
}

type checkPlan struct{}

func (checkPlan) Intent() Intent        { return IntentCheck }
func (checkPlan) Resolve(*Schema) error { return nil }

func (checkPlan) Run(tx *Tx) (*Rows, error) {
	problems, err := tx.Check()
	if err != nil {
		return nil, err
	}
	rows := &Rows{Columns: []string{"integrity_check"}}
	for _, p := range problems {
		rows.Values = append(rows.Values, Row{p})
	}
	return rows, nil
}

type createPlan struct {
	table       Table
	ifNotExists bool
}

func (createPlan) Intent() Intent        { return IntentWrite }
func (createPlan) Resolve(*Schema) error { return nil }

func (p createPlan) Run(tx *Tx) (*Rows, error) {
	return nil, tx.CreateTable(p.table, p.ifNotExists)
}

type dropPlan struct {
	table    string
	ifExists bool
}

func (dropPlan) Intent() Intent { return IntentWrite }

func (p dropPlan) Resolve(schema *Schema) error {
	if p.ifExists {
		return nil
	}
	_, err := resolveTable(schema, p.table)
	return err
}

func (p dropPlan) Run(tx *Tx) (*Rows, error) {
	return nil, tx.DropTable(p.table, p.ifExists)
}

type insertPlan struct {
	table   string
	columns []string
	rows    []Row
	order   []int // Table column index of each value
}

func (*insertPlan) Intent() Intent { return IntentWrite }

func (p *insertPlan) Resolve(schema *Schema) error {
	t, err := resolveTable(schema, p.table)
	if err != nil {
		return err
	}
	p.order = p.order[:0]
	if len(p.columns) == 0 {
		for i := range t.Columns {
			p.order = append(p.order, i)
		}
	} else {
		for _, c := range p.columns {
			i := t.Column(c)
			if i < 0 {
				return failf(faultNoColumn, "resolve", "", "%s.%s", t.Name, c)
			}
			p.order = append(p.order, i)
		}
	}
	for _, r := range p.rows {
		if len(r) != len(p.order) {
			return failf(faultArity, "resolve", "", "%d values for %d columns", len(r), len(p.order))
		}
	}
	return nil
}

func (p *insertPlan) Run(tx *Tx) (*Rows, error) {
	t, err := tx.Table(p.table)
	if err != nil {
		return nil, err
	}
	for _, r := range p.rows {
		row := make(Row, len(t.Columns))
		for i, v := range r {
			row[p.order[i]] = v
		}
		if err := tx.Insert(t.Name, row); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type selectPlan struct {
	table   string
	columns []string
	where   *condition
	order   []int
}

func (*selectPlan) Intent() Intent { return IntentRead }

func (p *selectPlan) Resolve(schema *Schema) error {
	t, err := resolveTable(schema, p.table)
	if err != nil {
		return err
	}
	p.order = p.order[:0]
	if len(p.columns) == 0 {
		for i := range t.Columns {
			p.order = append(p.order, i)
		}
	} else {
		for _, c := range p.columns {
			i := t.Column(c)
			if i < 0 {
				return failf(faultNoColumn, "resolve", "", "%s.%s", t.Name, c)
			}
			p.order = append(p.order, i)
		}
	}
	return p.where.resolve(t)
}

func (p *selectPlan) Run(tx *Tx) (*Rows, error) {
	t, err := tx.Table(p.table)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Scan(p.table)
	if err != nil {
		return nil, err
	}
	out := &Rows{}
	for _, i := range p.order {
		out.Columns = append(out.Columns, t.Columns[i].Name)
	}
	for _, r := range rows {
		if !p.where.match(r) {
			continue
		}
		row := make(Row, len(p.order))
		for j, i := range p.order {
			row[j] = r[i]
		}
		out.Values = append(out.Values, row)
	}
	return out, nil
}

type deletePlan struct {
	table string
	where *condition
}

func (*deletePlan) Intent() Intent { return IntentWrite }

func (p *deletePlan) Resolve(schema *Schema) error {
	t, err := resolveTable(schema, p.table)
	if err != nil {
		return err
	}
	return p.where.resolve(t)
}

func (p *deletePlan) Run(tx *Tx) (*Rows, error) {
	var match func(Row) bool
	if p.where != nil {
		match = p.where.match
	}
	_, err := tx.Delete(p.table, match)
	return nil, err
}

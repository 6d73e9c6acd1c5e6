// Package quire is an embedded, single-file page store with a small
// relational surface. A store is one file of fixed-size pages: page 1 holds
// a JSON header and the table catalog, every other page belongs to a table
// chain or the free chain, and every page carries a checksum.
//
// Every access validates the store afresh. The header and page 1 are checked
// on each statement; table pages are checked only when a statement touches
// them, so damage is reported by the operations that would read it and by
// no others. Writes go through a rollback journal at "<path>-journal": no
// journal, no mutation. A journal left behind by an interrupted commit is
// played back on the next access; anything else found at that path is
// either discarded as stale or, when it is a directory, reported as an I/O
// failure.
//
// Results are reported through a closed set of codes (see Code). Callers can
// use errors.Is with the sentinel errors or CodeOf to branch on them.
package quire

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a stable result code. The numeric values are part of the format
// contract with callers and never change.
type Code int

const (
	Ok           Code = 0
	Error        Code = 1
	ReadOnly     Code = 8
	IoError      Code = 10
	Corrupt      Code = 11
	CantOpen     Code = 14
	Constraint   Code = 19
	Misuse       Code = 21
	NotADatabase Code = 26
	Done         Code = 101
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "OK"
	case Error:
		return "ERROR"
	case ReadOnly:
		return "READONLY"
	case IoError:
		return "IOERR"
	case Corrupt:
		return "CORRUPT"
	case CantOpen:
		return "CANTOPEN"
	case Constraint:
		return "CONSTRAINT"
	case Misuse:
		return "MISUSE"
	case NotADatabase:
		return "NOTADB"
	case Done:
		return "DONE"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Sentinel errors, one per failure code. Every *Error unwraps to the
// sentinel of its code, so errors.Is(err, ErrCorrupt) works on anything
// returned by this package.
var (
	ErrFailed       = errors.New("statement failed")
	ErrReadOnly     = errors.New("attempt to write a readonly store")
	ErrIO           = errors.New("disk I/O error")
	ErrCorrupt      = errors.New("store image is malformed")
	ErrCantOpen     = errors.New("unable to open file")
	ErrConstraint   = errors.New("constraint failed")
	ErrMisuse       = errors.New("bad handle or API misuse")
	ErrNotADatabase = errors.New("file is not a store")
)

var sentinels = map[Code]error{
	Error:        ErrFailed,
	ReadOnly:     ErrReadOnly,
	IoError:      ErrIO,
	Corrupt:      ErrCorrupt,
	CantOpen:     ErrCantOpen,
	Constraint:   ErrConstraint,
	Misuse:       ErrMisuse,
	NotADatabase: ErrNotADatabase,
}

// Error is the concrete error type returned by every operation.
type Error struct {
	Code Code   // result code reported to callers
	Op   string // operation that failed, e.g. "exec", "backup step"
	Path string // store or journal path involved, if any
	Msg  string // what went wrong, in terms of the store
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else if s, ok := sentinels[e.Code]; ok {
		b.WriteString(s.Error())
	} else {
		b.WriteString(e.Code.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// CodeOf returns the result code carried by err. A nil error is Ok and an
// error that did not come from this package is Error.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Error
}

// fault is a low-level condition observed by the validator, the journal
// manager, the pager or the executor. The classifier maps each fault to
// exactly one Code; nothing else in the package picks codes.
type fault int

const (
	faultSyntax fault = iota + 1
	faultNoTable
	faultNoColumn
	faultTableExists
	faultArity
	faultType
	faultReadOnlyPlan
	faultIsDir
	faultOpen
	faultRead
	faultWrite
	faultShortFile
	faultBadMagic
	faultBadHeader
	faultChecksum
	faultPageKind
	faultChain
	faultPayload
	faultCheck
	faultJournalDir
	faultJournalRead
	faultJournalCreate
	faultJournalWrite
	faultMoved
	faultUnique
	faultNotNull
	faultHandle
	faultClosed
	faultFinalized
	faultBackupPair
	faultBackupName
)

var faults = map[fault]struct {
	code Code
	msg  string
}{
	faultSyntax:        {Error, "syntax error"},
	faultNoTable:       {Error, "no such table"},
	faultNoColumn:      {Error, "no such column"},
	faultTableExists:   {Error, "table already exists"},
	faultArity:         {Error, "value count does not match column count"},
	faultType:          {Error, "unsupported value type"},
	faultReadOnlyPlan:  {Error, "statement is not a write"},
	faultIsDir:         {CantOpen, "path is a directory"},
	faultOpen:          {CantOpen, "cannot open store file"},
	faultRead:          {IoError, "read failed"},
	faultWrite:         {IoError, "write failed"},
	faultShortFile:     {Corrupt, "file is shorter than its page count"},
	faultBadMagic:      {NotADatabase, "file is not a store"},
	faultBadHeader:     {Corrupt, "malformed header"},
	faultChecksum:      {Corrupt, "page checksum mismatch"},
	faultPageKind:      {Corrupt, "unexpected page kind"},
	faultChain:         {Corrupt, "broken page chain"},
	faultPayload:       {Corrupt, "malformed page payload"},
	faultCheck:         {Corrupt, "integrity check failed"},
	faultJournalDir:    {IoError, "journal path is a directory"},
	faultJournalRead:   {IoError, "cannot read journal"},
	faultJournalCreate: {CantOpen, "cannot create journal"},
	faultJournalWrite:  {IoError, "cannot write journal"},
	faultMoved:         {ReadOnly, "store file was removed while open"},
	faultUnique:        {Constraint, "unique constraint failed"},
	faultNotNull:       {Constraint, "not null constraint failed"},
	faultHandle:        {Misuse, "invalid statement handle"},
	faultClosed:        {Misuse, "store is closed"},
	faultFinalized:     {Misuse, "statement is finalized"},
	faultBackupPair:    {Error, "source and destination must be distinct"},
	faultBackupName:    {Error, "unknown store namespace"},
}

// code returns the result code the classifier assigns to f.
func (f fault) code() Code {
	return faults[f].code
}

// fail builds the *Error for fault f.
func fail(f fault, op, path string, cause error) *Error {
	d := faults[f]
	return &Error{Code: d.code, Op: op, Path: path, Msg: d.msg, Err: cause}
}

// failf is fail with a formatted detail appended to the fault message.
func failf(f fault, op, path, format string, args ...any) *Error {
	e := fail(f, op, path, nil)
	e.Msg = e.Msg + ": " + fmt.Sprintf(format, args...)
	return e
}

// precedence ranks codes for compound failures: a file that is not a store
// at all outranks a damaged one, which outranks everything else.
func precedence(c Code) int {
	switch c {
	case Ok, Done:
		return 0
	case NotADatabase:
		return 3
	case Corrupt:
		return 2
	default:
		return 1
	}
}

// worst returns the error with the highest precedence. Ties go to the
// first argument.
func worst(errs ...error) error {
	var out error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if out == nil || precedence(CodeOf(err)) > precedence(CodeOf(out)) {
			out = err
		}
	}
	return out
}

// Statement execution.
//
// There are two ways to run a statement, and they deliberately report a
// failed preparation differently:
//
//   - Exec and Query compile and run in one call and return the root cause
//     (NotADatabase, Corrupt, IoError...).
//   - Prepare returns a nil *Stmt when the store cannot be validated or the
//     statement does not compile. Step on that nil handle reports Misuse,
//     because there is no statement to step.
//
// Every run takes a fresh snapshot: the journal is probed and the store is
// revalidated, and names are resolved again against the current schema.
package quire

// Stmt is a prepared statement.
type Stmt struct {
	db        *DB
	text      string
	plan      Plan
	rows      *Rows
	err       error // last Step failure
	finalized bool
}

// Prepare validates the store, compiles text and resolves its names. On
// any failure it returns a nil *Stmt and the cause.
func (db *DB) Prepare(text string) (*Stmt, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	plan, err := db.compile("prepare", text)
	if err != nil {
		return nil, err
	}
	s, err := db.begin("prepare", LockShared)
	if err != nil {
		return nil, err
	}
	defer s.release()
	if err := plan.Resolve(s.schema); err != nil {
		return nil, err
	}
	return &Stmt{db: db, text: text, plan: plan}, nil
}

// Step runs the statement once. Writes are committed before Step returns.
func (st *Stmt) Step() error {
	if st == nil {
		return fail(faultHandle, "step", "", nil)
	}
	st.db.mu.Lock()
	defer st.db.mu.Unlock()

	if st.finalized {
		return fail(faultFinalized, "step", st.db.path, nil)
	}
	st.rows, st.err = st.db.run("step", st.plan)
	return st.err
}

// Rows returns the rows produced by the last successful Step.
func (st *Stmt) Rows() *Rows {
	if st == nil {
		return nil
	}
	st.db.mu.Lock()
	defer st.db.mu.Unlock()

	if st.err != nil {
		return nil
	}
	return st.rows
}

// Text returns the statement text.
func (st *Stmt) Text() string {
	if st == nil {
		return ""
	}
	return st.text
}

// Finalize releases the statement and returns the error of the last
// failing Step, if any. Finalizing a nil statement is a no-op.
func (st *Stmt) Finalize() error {
	if st == nil {
		return nil
	}
	st.db.mu.Lock()
	defer st.db.mu.Unlock()

	st.finalized = true
	st.rows = nil
	return st.err
}

// Exec runs one or more statements separated by semicolons, stopping at the
// first failure.
func (db *DB) Exec(text string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, stmt := range splitStatements(text) {
		plan, err := db.compile("exec", stmt)
		if err != nil {
			return err
		}
		if _, err := db.run("exec", plan); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a single statement and returns its rows.
func (db *DB) Query(text string) (*Rows, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	plan, err := db.compile("query", text)
	if err != nil {
		return nil, err
	}
	rows, err := db.run("query", plan)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = &Rows{}
	}
	return rows, nil
}

// Check runs the integrity check over the whole store.
func (db *DB) Check() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.run("check", checkPlan{})
	return err
}

// Schema returns the tables of the store.
func (db *DB) Schema() (*Schema, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, err := db.begin("schema", LockShared)
	if err != nil {
		return nil, err
	}
	defer s.release()
	return s.schema.clone(), nil
}

// Header returns a copy of the validated header, nil for an empty store.
func (db *DB) Header() (*Header, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, err := db.begin("header", LockShared)
	if err != nil {
		return nil, err
	}
	defer s.release()
	if s.hdr == nil {
		return nil, nil
	}
	hdr := *s.hdr
	return &hdr, nil
}

// compile compiles text. A store that fails validation is reported ahead
// of a compile error, since no statement could have run against it.
func (db *DB) compile(op, text string) (Plan, error) {
	plan, cerr := db.config.Compiler.Compile(text)
	if cerr == nil {
		return plan, nil
	}
	s, err := db.begin(op, LockShared)
	if err != nil {
		return nil, err
	}
	s.release()
	return nil, cerr
}

// run executes plan against a fresh snapshot and commits its changes.
func (db *DB) run(op string, plan Plan) (*Rows, error) {
	mode := LockShared
	if plan.Intent() == IntentWrite {
		mode = LockExclusive
	}
	s, err := db.begin(op, mode)
	if err != nil {
		return nil, err
	}
	defer s.release()

	if err := plan.Resolve(s.schema); err != nil {
		return nil, err
	}
	tx := newTx(s, plan.Intent())
	rows, err := plan.Run(tx)
	if err != nil {
		return nil, err
	}
	if err := tx.commit(); err != nil {
		return nil, err
	}
	return rows, nil
}

package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryJournalSaveAndList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journal, err := NewMemoryJournal(dir, 10)
	if err != nil {
		t.Fatalf("failed to create memory journal: %v", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	records := []StepRecord{
		{RunID: "run-a", Sequence: 1, URL: "https://quiz.example/1", Submitted: true, Answer: `"start"`, Correct: true, NextURL: "https://quiz.example/2", CreatedAt: now},
		{RunID: "run-b", Sequence: 1, URL: "https://other.example/1", CreatedAt: now},
		{RunID: "run-a", Sequence: 2, URL: "https://quiz.example/2", Rounds: 3, Submitted: true, Answer: "42", CreatedAt: now},
	}
	for _, record := range records {
		if err := journal.Save(ctx, record); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	list, err := journal.ListByRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].Sequence != 1 || list[1].Answer != "42" {
		t.Fatalf("unexpected list result: %+v", list)
	}

	restored, err := NewMemoryJournal(dir, 10)
	if err != nil {
		t.Fatalf("failed to reopen journal: %v", err)
	}
	list, err = restored.ListByRun(ctx, "run-a")
	if err != nil {
		t.Fatalf("list after reload failed: %v", err)
	}
	if len(list) != 2 || list[0].NextURL != "https://quiz.example/2" {
		t.Fatalf("unexpected restored records: %+v", list)
	}
}

func TestMemoryJournalCapsEntries(t *testing.T) {
	t.Parallel()

	journal, err := NewMemoryJournal(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("failed to create memory journal: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := journal.Save(ctx, StepRecord{RunID: "run", Sequence: i}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	list, _ := journal.ListByRun(ctx, "run")
	if len(list) != 2 || list[0].Sequence != 2 {
		t.Fatalf("expected oldest entry to be evicted, got %+v", list)
	}
}

func TestMemoryJournalRejectsEmptyRunID(t *testing.T) {
	t.Parallel()

	journal, err := NewMemoryJournal(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("failed to create memory journal: %v", err)
	}
	if err := journal.Save(context.Background(), StepRecord{}); err == nil {
		t.Fatalf("expected error for empty run id")
	}
}

func TestSQLJournalSave(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertStepSQL(), mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	journal := NewSQLJournalFromDB(db)
	err := journal.Save(context.Background(), StepRecord{RunID: "run-1", Sequence: 1, URL: "https://quiz.example/1", CreatedAt: 1})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestSQLJournalListByRun(t *testing.T) {
	t.Parallel()

	columns := []string{"run_id", "sequence", "url", "endpoint", "endpoint_source", "override_name", "rounds", "submitted", "answer", "correct", "next_url", "reason", "error", "created_at"}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(listStepsSQL(), mockRowsData{
			columns: columns,
			values: [][]driver.Value{
				{"run-1", int64(1), "https://quiz.example/1", "https://quiz.example/submit", "discovered", "", int64(2), true, `"abc"`, true, "https://quiz.example/2", nil, nil, int64(10)},
				{"run-1", int64(2), "https://quiz.example/2", nil, "none", "", int64(3), false, nil, false, nil, nil, "rate limited", int64(20)},
			},
		}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	records, err := NewSQLJournalFromDB(db).ListByRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Endpoint != "https://quiz.example/submit" || !records[0].Correct || records[0].Answer != `"abc"` {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].Submitted || records[1].Error != "rate limited" || records[1].Endpoint != "" {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(readMigrationStatement("0002_create_step_journal.sql"), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement("0001_create_run_states.sql"), mockResult{})
	failing.err = fmt.Errorf("syntax error")
	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"0001_create_run_states.sql": "0001",
		"0003.sql":                   "0003",
		"plain":                      "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

func insertStepSQL() string {
	return `INSERT INTO step_journal
        (run_id, sequence, url, endpoint, endpoint_source, override_name, rounds, submitted, answer, correct, next_url, reason, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func listStepsSQL() string {
	return `SELECT run_id, sequence, url, endpoint, endpoint_source, override_name, rounds, submitted, answer, correct, next_url, reason, error, created_at
        FROM step_journal WHERE run_id = ? ORDER BY sequence ASC, id ASC`
}

func readMigrationStatement(name string) string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}

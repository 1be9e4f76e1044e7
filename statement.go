package dbqueue

import (
	"io"
	"time"
)

// Statement is a compiled SQL statement owned by a Connection. Like its
// Connection, it may only be used from the connection's goroutine, except
// for Cancel.
type Statement struct {
	conn   *Connection
	ctl    controller
	key    string
	sql    string
	handle NativeStmt

	hasRow   bool
	stepped  bool
	bindings bool
	columns  int
	streams  []*bindStream
}

func newStatement(conn *Connection, ctl controller, key, sql string, h NativeStmt) *Statement {
	return &Statement{conn: conn, ctl: ctl, key: key, sql: sql, handle: h, columns: -1}
}

// detach drops the statement's handle and controller and returns the handle.
// Stepped and bound flags are left for the caller to inspect.
func (s *Statement) detach() NativeStmt {
	h := s.handle
	s.handle = nil
	s.ctl = nil
	s.hasRow = false
	for _, st := range s.streams {
		st.discard()
	}
	s.streams = nil
	return h
}

func (s *Statement) enter(op string) (NativeStmt, error) {
	if s.ctl == nil || s.handle == nil {
		return nil, contractError(CodeStatementDisposed, op, "statement is disposed ["+s.sql+"]")
	}
	if err := s.ctl.validate(op); err != nil {
		return nil, err
	}
	return s.handle, nil
}

// Step evaluates the statement once. It returns true when a result row is
// available.
func (s *Statement) Step() (bool, error) {
	h, err := s.enter("step")
	if err != nil {
		return false, err
	}
	if err := s.flushStreams(); err != nil {
		return false, err
	}
	if s.conn.cancelled.Load() {
		return false, s.conn.interrupted("step", s.sql)
	}
	start := time.Now()
	rc := h.Step()
	s.conn.profiler.reportStep(s.sql, start, rc)
	s.stepped = true
	switch rc {
	case ResultRow:
		s.hasRow = true
		return true, nil
	case ResultDone:
		s.hasRow = false
		return false, nil
	default:
		s.hasRow = false
		return false, s.ctl.result(rc, "step", s.sql)
	}
}

// StepThrough steps until the statement is done, discarding rows.
func (s *Statement) StepThrough() error {
	for {
		row, err := s.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
	}
}

// Reset rewinds the statement so it can be stepped again. Bindings are kept
// unless clearBindings is set.
func (s *Statement) Reset(clearBindings bool) error {
	h, err := s.enter("reset")
	if err != nil {
		return err
	}
	s.hasRow = false
	if s.stepped {
		rc := h.Reset()
		s.stepped = false
		if err := s.ctl.result(rc, "reset", s.sql); err != nil {
			return err
		}
	}
	if clearBindings && s.bindings {
		return s.ClearBindings()
	}
	return nil
}

// ClearBindings sets every parameter back to NULL.
func (s *Statement) ClearBindings() error {
	h, err := s.enter("clearBindings")
	if err != nil {
		return err
	}
	s.discardStreams()
	rc := h.ClearBindings()
	s.bindings = false
	return s.ctl.result(rc, "clearBindings", s.sql)
}

// BindParameterCount returns the number of parameters the statement takes.
func (s *Statement) BindParameterCount() (int, error) {
	h, err := s.enter("bindParameterCount")
	if err != nil {
		return 0, err
	}
	return h.BindParamCount(), nil
}

func (s *Statement) enterBind(op string, index int) (NativeStmt, error) {
	h, err := s.enter(op)
	if err != nil {
		return nil, err
	}
	if index < 1 || index > h.BindParamCount() {
		return nil, contractError(CodeInvalidArgument, op, "parameter index out of range ["+s.sql+"]")
	}
	s.bindings = true
	return h, nil
}

// BindInt64 binds v to the parameter at index, counting from 1.
func (s *Statement) BindInt64(index int, v int64) error {
	h, err := s.enterBind("bindInt64", index)
	if err != nil {
		return err
	}
	return s.ctl.result(h.BindInt64(index, v), "bindInt64", s.sql)
}

func (s *Statement) BindFloat(index int, v float64) error {
	h, err := s.enterBind("bindFloat", index)
	if err != nil {
		return err
	}
	return s.ctl.result(h.BindFloat(index, v), "bindFloat", s.sql)
}

func (s *Statement) BindText(index int, v string) error {
	h, err := s.enterBind("bindText", index)
	if err != nil {
		return err
	}
	return s.ctl.result(h.BindText(index, v), "bindText", s.sql)
}

// BindBytes binds v as a blob. A nil slice binds NULL.
func (s *Statement) BindBytes(index int, v []byte) error {
	h, err := s.enterBind("bindBytes", index)
	if err != nil {
		return err
	}
	if v == nil {
		return s.ctl.result(h.BindNull(index), "bindBytes", s.sql)
	}
	return s.ctl.result(h.BindBytes(index, v), "bindBytes", s.sql)
}

func (s *Statement) BindNull(index int) error {
	h, err := s.enterBind("bindNull", index)
	if err != nil {
		return err
	}
	return s.ctl.result(h.BindNull(index), "bindNull", s.sql)
}

// BindZeroBlob binds a blob of n zero bytes, to be filled later through a Blob.
func (s *Statement) BindZeroBlob(index int, n int64) error {
	h, err := s.enterBind("bindZeroBlob", index)
	if err != nil {
		return err
	}
	if n < 0 {
		return contractError(CodeInvalidArgument, "bindZeroBlob", "negative length")
	}
	return s.ctl.result(h.BindZeroBlob(index, n), "bindZeroBlob", s.sql)
}

// BindStream returns a writer whose contents are bound to the parameter at
// index as a blob. The value is bound on Close, or at the latest by the
// next Step. Data is staged in buffers from the connection's pool.
func (s *Statement) BindStream(index int) (io.WriteCloser, error) {
	if _, err := s.enterBind("bindStream", index); err != nil {
		return nil, err
	}
	buf, err := s.ctl.allocateBuffer(0)
	if err != nil {
		return nil, err
	}
	st := &bindStream{stmt: s, index: index, buf: buf}
	s.streams = append(s.streams, st)
	return st, nil
}

func (s *Statement) flushStreams() error {
	for len(s.streams) > 0 {
		if err := s.streams[0].Close(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Statement) discardStreams() {
	streams := s.streams
	s.streams = nil
	for _, st := range streams {
		st.discard()
	}
}

func (s *Statement) forgetStream(st *bindStream) {
	for i, other := range s.streams {
		if other == st {
			s.streams = append(s.streams[:i], s.streams[i+1:]...)
			return
		}
	}
}

// ColumnCount returns the number of columns in the result set.
func (s *Statement) ColumnCount() (int, error) {
	h, err := s.enter("columnCount")
	if err != nil {
		return 0, err
	}
	if s.columns < 0 {
		s.columns = h.ColumnCount()
	}
	return s.columns, nil
}

func (s *Statement) enterColumn(op string, col int) (NativeStmt, error) {
	h, err := s.enter(op)
	if err != nil {
		return nil, err
	}
	if !s.hasRow {
		return nil, contractError(CodeNoRow, op, "no current row ["+s.sql+"]")
	}
	n, _ := s.ColumnCount()
	if col < 0 || col >= n {
		return nil, contractError(CodeColumnOutOfRange, op, "column index out of range ["+s.sql+"]")
	}
	return h, nil
}

// ColumnName returns the name of column col. It does not require a row.
func (s *Statement) ColumnName(col int) (string, error) {
	h, err := s.enter("columnName")
	if err != nil {
		return "", err
	}
	n, _ := s.ColumnCount()
	if col < 0 || col >= n {
		return "", contractError(CodeColumnOutOfRange, "columnName", "column index out of range ["+s.sql+"]")
	}
	return h.ColumnName(col), nil
}

func (s *Statement) ColumnType(col int) (ColumnType, error) {
	h, err := s.enterColumn("columnType", col)
	if err != nil {
		return 0, err
	}
	return h.ColumnType(col), nil
}

func (s *Statement) ColumnNull(col int) (bool, error) {
	t, err := s.ColumnType(col)
	return t == ColumnNull, err
}

func (s *Statement) ColumnInt64(col int) (int64, error) {
	h, err := s.enterColumn("columnInt64", col)
	if err != nil {
		return 0, err
	}
	return h.ColumnInt64(col), nil
}

func (s *Statement) ColumnFloat(col int) (float64, error) {
	h, err := s.enterColumn("columnFloat", col)
	if err != nil {
		return 0, err
	}
	return h.ColumnFloat(col), nil
}

func (s *Statement) ColumnText(col int) (string, error) {
	h, err := s.enterColumn("columnText", col)
	if err != nil {
		return "", err
	}
	return h.ColumnText(col), nil
}

// ColumnBytes returns a copy of the column value. NULL yields nil.
func (s *Statement) ColumnBytes(col int) ([]byte, error) {
	h, err := s.enterColumn("columnBytes", col)
	if err != nil {
		return nil, err
	}
	return h.ColumnBytes(col), nil
}

// ColumnValue returns the column as int64, float64, string, []byte or nil,
// depending on its storage class.
func (s *Statement) ColumnValue(col int) (any, error) {
	h, err := s.enterColumn("columnValue", col)
	if err != nil {
		return nil, err
	}
	switch h.ColumnType(col) {
	case ColumnInteger:
		return h.ColumnInt64(col), nil
	case ColumnFloat:
		return h.ColumnFloat(col), nil
	case ColumnText:
		return h.ColumnText(col), nil
	case ColumnBlob:
		return h.ColumnBytes(col), nil
	default:
		return nil, nil
	}
}

// Cancel interrupts the statement's connection. It may be called from any
// goroutine.
func (s *Statement) Cancel() {
	s.conn.Interrupt()
}

func (s *Statement) HasRow() bool      { return s.hasRow }
func (s *Statement) HasStepped() bool  { return s.stepped }
func (s *Statement) HasBindings() bool { return s.bindings }
func (s *Statement) IsDisposed() bool  { return s.handle == nil }
func (s *Statement) SQL() string       { return s.sql }

// Dispose releases the statement. Cached statements return their handle to
// the connection's cache. Dispose from a foreign goroutine is logged and
// ignored; disposing twice is a no-op.
func (s *Statement) Dispose() {
	if s.ctl == nil {
		return
	}
	s.ctl.disposeStatement(s)
}

func (s *Statement) String() string {
	return "[" + s.sql + "]"
}

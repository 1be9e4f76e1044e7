package dbqueue

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"
)

// SQLiteEngine is the production Engine. It drives SQLite through
// zombiezen.com/go/sqlite and needs no cgo.
type SQLiteEngine struct {
	flags sqlite.OpenFlags
}

// NewSQLiteEngine returns an engine that opens read-write databases,
// creating them when missing. URI file names are accepted.
func NewSQLiteEngine() *SQLiteEngine {
	return &SQLiteEngine{flags: sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenURI | sqlite.OpenNoMutex}
}

// Open implements Engine.
func (e *SQLiteEngine) Open(path string) (NativeDB, int) {
	if path == "" {
		path = ":memory:"
	}
	conn, err := sqlite.OpenConn(path, e.flags)
	if err != nil {
		return nil, resultCode(err)
	}
	db := &sqliteDB{conn: conn}
	db.armInterrupt()
	return db, ResultOK
}

// resultCode maps an error from the sqlite package to a result code. Busy
// variants collapse to their primary code; IOErrBlocked is kept as is.
func resultCode(err error) int {
	if err == nil {
		return ResultOK
	}
	code := sqlite.ErrCode(err)
	if int(code) == ResultIOErrBlocked {
		return ResultIOErrBlocked
	}
	primary := int(code.ToPrimary())
	if primary == ResultOK {
		return ResultError
	}
	return primary
}

type sqliteDB struct {
	conn *sqlite.Conn

	mu        sync.Mutex
	interrupt chan struct{}
	fired     bool

	lastErr string
}

func (d *sqliteDB) armInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interrupt = make(chan struct{})
	d.fired = false
	d.conn.SetInterrupt(d.interrupt)
}

func (d *sqliteDB) fail(err error) int {
	if err == nil {
		return ResultOK
	}
	d.lastErr = err.Error()
	return resultCode(err)
}

func (d *sqliteDB) Close() int {
	return d.fail(d.conn.Close())
}

func (d *sqliteDB) ErrMsg() string {
	return d.lastErr
}

func (d *sqliteDB) Exec(sql string) int {
	for strings.TrimSpace(sql) != "" {
		stmt, trailing, err := d.conn.PrepareTransient(sql)
		if err != nil {
			return d.fail(err)
		}
		sql = sql[len(sql)-trailing:]
		if stmt == nil {
			continue
		}
		for {
			row, err := stmt.Step()
			if err != nil {
				_ = stmt.Finalize()
				return d.fail(err)
			}
			if !row {
				break
			}
		}
		if err := stmt.Finalize(); err != nil {
			return d.fail(err)
		}
	}
	return ResultOK
}

func (d *sqliteDB) Prepare(sql string) (NativeStmt, int) {
	stmt, _, err := d.conn.PrepareTransient(sql)
	if err != nil {
		return nil, d.fail(err)
	}
	if stmt == nil {
		d.lastErr = "empty statement"
		return nil, ResultMisuse
	}
	return &sqliteStmt{db: d, stmt: stmt}, ResultOK
}

// Interrupt may be called from any goroutine.
func (d *sqliteDB) Interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fired {
		d.fired = true
		close(d.interrupt)
	}
}

func (d *sqliteDB) ClearInterrupt() {
	d.mu.Lock()
	fired := d.fired
	d.mu.Unlock()
	if fired {
		d.armInterrupt()
	}
}

func (d *sqliteDB) OpenBlob(db, table, column string, rowid int64, writable bool) (NativeBlob, int) {
	if db == "" {
		db = "main"
	}
	blob, err := d.conn.OpenBlob(db, table, column, rowid, writable)
	if err != nil {
		return nil, d.fail(err)
	}
	return &sqliteBlob{db: d, blob: blob}, ResultOK
}

func (d *sqliteDB) CreateArray(name string) (NativeArray, int) {
	table := quoteIdent(name)
	if rc := d.Exec(fmt.Sprintf("CREATE TEMP TABLE %s(value INTEGER)", table)); rc != ResultOK {
		return nil, rc
	}
	return &sqliteArray{db: d, table: table}, ResultOK
}

func (d *sqliteDB) Backup(dst NativeDB, dstName, srcName string) (NativeBackup, int) {
	target, ok := dst.(*sqliteDB)
	if !ok {
		d.lastErr = "backup destination is not a sqlite handle"
		return nil, ResultMisuse
	}
	if dstName == "" {
		dstName = "main"
	}
	if srcName == "" {
		srcName = "main"
	}
	b, err := sqlite.NewBackup(target.conn, dstName, d.conn, srcName)
	if err != nil {
		return nil, d.fail(err)
	}
	return &sqliteBackup{db: d, backup: b}, ResultOK
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type sqliteStmt struct {
	db   *sqliteDB
	stmt *sqlite.Stmt
}

func (s *sqliteStmt) Step() int {
	row, err := s.stmt.Step()
	if err != nil {
		return s.db.fail(err)
	}
	if row {
		return ResultRow
	}
	return ResultDone
}

func (s *sqliteStmt) Reset() int         { return s.db.fail(s.stmt.Reset()) }
func (s *sqliteStmt) ClearBindings() int { return s.db.fail(s.stmt.ClearBindings()) }
func (s *sqliteStmt) Finalize() int      { return s.db.fail(s.stmt.Finalize()) }
func (s *sqliteStmt) BindParamCount() int {
	return s.stmt.BindParamCount()
}

func (s *sqliteStmt) BindInt64(param int, v int64) int {
	s.stmt.BindInt64(param, v)
	return ResultOK
}

func (s *sqliteStmt) BindFloat(param int, v float64) int {
	s.stmt.BindFloat(param, v)
	return ResultOK
}

func (s *sqliteStmt) BindText(param int, v string) int {
	s.stmt.BindText(param, v)
	return ResultOK
}

func (s *sqliteStmt) BindBytes(param int, v []byte) int {
	s.stmt.BindBytes(param, v)
	return ResultOK
}

func (s *sqliteStmt) BindNull(param int) int {
	s.stmt.BindNull(param)
	return ResultOK
}

func (s *sqliteStmt) BindZeroBlob(param int, n int64) int {
	s.stmt.BindZeroBlob(param, n)
	return ResultOK
}

func (s *sqliteStmt) ColumnCount() int            { return s.stmt.ColumnCount() }
func (s *sqliteStmt) ColumnName(col int) string   { return s.stmt.ColumnName(col) }
func (s *sqliteStmt) ColumnInt64(col int) int64   { return s.stmt.ColumnInt64(col) }
func (s *sqliteStmt) ColumnFloat(col int) float64 { return s.stmt.ColumnFloat(col) }
func (s *sqliteStmt) ColumnText(col int) string   { return s.stmt.ColumnText(col) }

func (s *sqliteStmt) ColumnType(col int) ColumnType {
	return ColumnType(s.stmt.ColumnType(col))
}

func (s *sqliteStmt) ColumnBytes(col int) []byte {
	if s.stmt.ColumnType(col) == sqlite.TypeNull {
		return nil
	}
	buf := make([]byte, s.stmt.ColumnLen(col))
	s.stmt.ColumnBytes(col, buf)
	return buf
}

type sqliteBlob struct {
	db   *sqliteDB
	blob *sqlite.Blob
}

// The sqlite package exposes blobs as streams, so positioned I/O seeks first.
func (b *sqliteBlob) ReadAt(p []byte, off int64) (int, int) {
	if _, err := b.blob.Seek(off, io.SeekStart); err != nil {
		return 0, b.db.fail(err)
	}
	n, err := io.ReadFull(b.blob, p)
	return n, b.db.fail(err)
}

func (b *sqliteBlob) WriteAt(p []byte, off int64) (int, int) {
	if _, err := b.blob.Seek(off, io.SeekStart); err != nil {
		return 0, b.db.fail(err)
	}
	n, err := b.blob.Write(p)
	return n, b.db.fail(err)
}

func (b *sqliteBlob) Size() int64 { return b.blob.Size() }
func (b *sqliteBlob) Close() int  { return b.db.fail(b.blob.Close()) }

// sqliteArray stands in for an integer array virtual table with a TEMP
// table of the same name.
type sqliteArray struct {
	db    *sqliteDB
	table string
}

func (a *sqliteArray) Bind(values []int64) int {
	if rc := a.Unbind(); rc != ResultOK {
		return rc
	}
	if len(values) == 0 {
		return ResultOK
	}
	stmt, _, err := a.db.conn.PrepareTransient(fmt.Sprintf("INSERT INTO %s(value) VALUES (?)", a.table))
	if err != nil {
		return a.db.fail(err)
	}
	defer stmt.Finalize()
	for _, v := range values {
		stmt.BindInt64(1, v)
		if _, err := stmt.Step(); err != nil {
			return a.db.fail(err)
		}
		if err := stmt.Reset(); err != nil {
			return a.db.fail(err)
		}
	}
	return ResultOK
}

func (a *sqliteArray) Unbind() int {
	return a.db.Exec("DELETE FROM " + a.table)
}

func (a *sqliteArray) Destroy() int {
	return a.db.Exec("DROP TABLE IF EXISTS " + a.table)
}

type sqliteBackup struct {
	db     *sqliteDB
	backup *sqlite.Backup
}

func (b *sqliteBackup) Step(pages int) int {
	more, err := b.backup.Step(pages)
	if err != nil {
		return b.db.fail(err)
	}
	if !more {
		return ResultDone
	}
	return ResultOK
}

func (b *sqliteBackup) Remaining() int { return b.backup.Remaining() }
func (b *sqliteBackup) PageCount() int { return b.backup.PageCount() }

func (b *sqliteBackup) Finish() int {
	return b.db.fail(b.backup.Close())
}

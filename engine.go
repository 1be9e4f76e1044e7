package dbqueue

// Result codes returned by the native engine. Values match SQLite's primary
// result codes so that engine adapters can pass them through unchanged.
const (
	ResultOK           = 0
	ResultError        = 1
	ResultBusy         = 5
	ResultLocked       = 6
	ResultInterrupt    = 9
	ResultMisuse       = 21
	ResultRow          = 100
	ResultDone         = 101
	ResultIOErrBlocked = 10 | (11 << 8)
)

// ColumnType is the storage class of a result column.
type ColumnType int

const (
	ColumnInteger ColumnType = 1
	ColumnFloat   ColumnType = 2
	ColumnText    ColumnType = 3
	ColumnBlob    ColumnType = 4
	ColumnNull    ColumnType = 5
)

func (t ColumnType) String() string {
	switch t {
	case ColumnInteger:
		return "INTEGER"
	case ColumnFloat:
		return "FLOAT"
	case ColumnText:
		return "TEXT"
	case ColumnBlob:
		return "BLOB"
	case ColumnNull:
		return "NULL"
	default:
		return "UNKNOWN"
	}
}

// Engine opens native database handles. The engine must be fully loaded and
// usable before Connection.Open is called.
type Engine interface {
	// Open opens the database at path. An empty path or ":memory:" opens a
	// private in-memory database.
	Open(path string) (NativeDB, int)
}

// NativeDB is a single native database handle. Implementations are not
// required to be safe for concurrent use, with the exception of Interrupt.
type NativeDB interface {
	// Close releases the handle.
	Close() int
	// ErrMsg returns the message of the most recent failing call.
	ErrMsg() string
	// Exec runs one or more semicolon separated statements.
	Exec(sql string) int
	// Prepare compiles a single statement.
	Prepare(sql string) (NativeStmt, int)
	// Interrupt aborts the operation in progress. Safe to call from any goroutine.
	Interrupt()
	// ClearInterrupt re-arms the handle after Interrupt.
	ClearInterrupt()
	OpenBlob(db, table, column string, rowid int64, writable bool) (NativeBlob, int)
	CreateArray(name string) (NativeArray, int)
	// Backup starts copying srcName of this handle into dstName of dst.
	Backup(dst NativeDB, dstName, srcName string) (NativeBackup, int)
}

// NativeStmt is a compiled statement.
type NativeStmt interface {
	// Step returns ResultRow, ResultDone or an error code.
	Step() int
	Reset() int
	ClearBindings() int
	Finalize() int

	BindParamCount() int
	BindInt64(param int, v int64) int
	BindFloat(param int, v float64) int
	BindText(param int, v string) int
	BindBytes(param int, v []byte) int
	BindNull(param int) int
	BindZeroBlob(param int, n int64) int

	ColumnCount() int
	ColumnName(col int) string
	ColumnType(col int) ColumnType
	ColumnInt64(col int) int64
	ColumnFloat(col int) float64
	ColumnText(col int) string
	ColumnBytes(col int) []byte
}

// NativeBlob is an incremental I/O handle on a single blob value.
type NativeBlob interface {
	ReadAt(p []byte, off int64) (int, int)
	WriteAt(p []byte, off int64) (int, int)
	Size() int64
	Close() int
}

// NativeArray is a named virtual table holding a list of integers.
type NativeArray interface {
	Bind(values []int64) int
	Unbind() int
	Destroy() int
}

// NativeBackup copies pages from one handle to another.
type NativeBackup interface {
	// Step copies up to pages pages; a negative value copies everything.
	// Returns ResultDone when the copy is complete.
	Step(pages int) int
	Remaining() int
	PageCount() int
	Finish() int
}

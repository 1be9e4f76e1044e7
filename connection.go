package dbqueue

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const arrayNameFormat = "__IA%02X"

// ConnectionOption configures a Connection.
type ConnectionOption func(*Connection)

// WithBufferPoolCeiling bounds the total capacity of pooled buffers.
func WithBufferPoolCeiling(ceiling int) ConnectionOption {
	return func(c *Connection) {
		c.buffers = newBufferPool(ceiling, c.logger)
	}
}

// WithProfiler attaches a profiler at construction.
func WithProfiler(p *Profiler) ConnectionOption {
	return func(c *Connection) {
		c.profiler = p
	}
}

// Connection wraps one native database handle. It is confined to the
// goroutine that calls Open: every method except Interrupt must be called
// from that goroutine, and violations fail with ErrConfinementViolated
// before any native call is made.
type Connection struct {
	engine Engine
	path   string
	logger *slog.Logger

	owner     owner
	cancelled atomic.Bool

	// mu guards db against Interrupt racing with Dispose.
	mu       sync.Mutex
	db       NativeDB
	disposed bool

	statements []*Statement
	blobs      []*Blob
	arrays     []*Array
	freeArrays []*Array
	backups    []*Backup
	arraySeq   int

	cache    *stmtCache
	buffers  *bufferPool
	profiler *Profiler

	cachedCtl   controller
	uncachedCtl controller
}

// NewConnection creates an unopened connection to path. An empty path or
// ":memory:" names a private in-memory database.
func NewConnection(engine Engine, path string, logger *slog.Logger, opts ...ConnectionOption) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		engine: engine,
		path:   path,
		logger: logger,
		cache:  newStmtCache(),
	}
	c.buffers = newBufferPool(defaultBufferPoolCeiling, logger)
	c.cachedCtl = cachedController{baseController{conn: c}}
	c.uncachedCtl = uncachedController{baseController{conn: c}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open binds the connection to the calling goroutine and opens the native
// handle.
func (c *Connection) Open() error {
	if c.IsDisposed() {
		return contractError(CodeNotOpened, "open", "connection is disposed")
	}
	if !c.owner.bind() {
		return contractError(CodeConfinementViolated, "open", "connection is confined to another goroutine")
	}
	c.mu.Lock()
	opened := c.db != nil
	c.mu.Unlock()
	if opened {
		return contractError(CodeMisuse, "open", "connection is already open")
	}
	if c.engine == nil {
		return contractError(CodeMisuse, "open", "no engine")
	}

	c.logger.Debug("Connection: opening", "path", c.path)
	db, rc := c.engine.Open(c.path)
	if rc != ResultOK {
		msg := ""
		if db != nil {
			msg = db.ErrMsg()
			db.Close()
		}
		c.logger.Debug("Connection: open failed", "path", c.path, "rc", rc, "error", msg)
		return &Error{Code: rc, Op: "open", Message: msg}
	}
	if db == nil {
		return contractError(CodeWeird, "open", "engine returned no handle")
	}
	c.mu.Lock()
	c.db = db
	c.mu.Unlock()
	c.cancelled.Store(false)
	c.logger.Debug("Connection: opened", "path", c.path)
	return nil
}

// Dispose finalizes every statement, blob, array, backup and buffer, then
// closes the native handle. A call from a goroutine other than the owner is
// logged and ignored. Dispose is idempotent.
func (c *Connection) Dispose() {
	if c.owner.bound() && !c.owner.isCurrent() {
		c.logger.Warn("Connection: dispose refused from foreign goroutine", "connection", c.String())
		return
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	db := c.db
	c.mu.Unlock()

	if db != nil {
		c.logger.Debug("Connection: disposing", "connection", c.String())
		c.finalizeAll()

		c.mu.Lock()
		c.db = nil
		c.mu.Unlock()
		if rc := db.Close(); rc != ResultOK {
			c.logger.Warn("Connection: close failed", "connection", c.String(), "rc", rc, "error", db.ErrMsg())
		}
	}
	c.owner.clear()
	c.logger.Debug("Connection: disposed", "path", c.path)
}

func (c *Connection) finalizeAll() {
	statements := c.statements
	c.statements = nil
	for _, s := range statements {
		if h := s.detach(); h != nil {
			c.finalizeHandle(h, s.sql)
		}
	}

	for key, h := range c.cache.drain() {
		c.finalizeHandle(h, key)
	}

	blobs := c.blobs
	c.blobs = nil
	for _, b := range blobs {
		if h := b.detach(); h != nil {
			if rc := h.Close(); rc != ResultOK {
				c.logger.Warn("Connection: blob close failed", "blob", b.String(), "rc", rc)
			}
		}
	}

	backups := c.backups
	c.backups = nil
	for _, b := range backups {
		b.release()
	}

	arrays := append(c.arrays, c.freeArrays...)
	c.arrays = nil
	c.freeArrays = nil
	for _, a := range arrays {
		if h := a.detach(); h != nil {
			if rc := h.Destroy(); rc != ResultOK {
				c.logger.Warn("Connection: array destroy failed", "array", a.Name(), "rc", rc)
			}
		}
	}

	if n := c.buffers.dispose(); n > 0 {
		c.logger.Debug("Connection: released buffers", "count", n)
	}
}

func (c *Connection) finalizeHandle(h NativeStmt, sql string) {
	if rc := h.Finalize(); rc != ResultOK {
		c.logger.Warn("Connection: finalize failed", "sql", sql, "rc", rc)
	}
}

// checkThread fails unless the connection is bound to the calling goroutine.
func (c *Connection) checkThread(op string) error {
	if !c.owner.bound() {
		return contractError(CodeNotOpened, op, "connection is not opened")
	}
	if !c.owner.isCurrent() {
		return contractError(CodeConfinementViolated, op, "connection is confined to another goroutine")
	}
	return nil
}

func (c *Connection) handle(op string) (NativeDB, error) {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()
	if db == nil {
		return nil, contractError(CodeNotOpened, op, "connection is not opened")
	}
	return db, nil
}

func (c *Connection) enter(op string) (NativeDB, error) {
	if err := c.checkThread(op); err != nil {
		return nil, err
	}
	return c.handle(op)
}

// result converts a native result code to an error. Row and Done are not
// errors.
func (c *Connection) result(rc int, op, extra string) error {
	switch rc {
	case ResultOK, ResultRow, ResultDone:
		return nil
	}
	msg := ""
	c.mu.Lock()
	if c.db != nil {
		msg = c.db.ErrMsg()
	}
	c.mu.Unlock()
	if extra != "" {
		if msg != "" {
			msg += " "
		}
		msg += "[" + extra + "]"
	}
	return &Error{Code: rc, Op: op, Message: msg}
}

func (c *Connection) interrupted(op, sql string) error {
	return &Error{Code: ResultInterrupt, Op: op, Message: "operation cancelled [" + sql + "]"}
}

// Exec runs one or more statements without returning rows.
func (c *Connection) Exec(sql string) error {
	db, err := c.enter("exec")
	if err != nil {
		return err
	}
	if c.cancelled.Load() {
		return c.interrupted("exec", sql)
	}
	start := time.Now()
	rc := db.Exec(sql)
	c.profiler.reportExec(sql, start, rc)
	return c.result(rc, "exec", sql)
}

// PrepareCached is Prepare(sql, true).
func (c *Connection) PrepareCached(sql string) (*Statement, error) {
	return c.Prepare(sql, true)
}

// Prepare returns a statement for sql. With cached set, an idle compiled
// handle for the same SQL is reused and the handle returns to the cache on
// Dispose.
func (c *Connection) Prepare(sql string, cached bool) (*Statement, error) {
	db, err := c.enter("prepare")
	if err != nil {
		return nil, err
	}
	key := cacheKey(sql)
	if key == "" {
		return nil, contractError(CodeInvalidArgument, "prepare", "empty SQL")
	}

	var h NativeStmt
	if cached {
		h = c.cache.checkout(key)
	}
	if h == nil {
		start := time.Now()
		var rc int
		h, rc = db.Prepare(sql)
		c.profiler.reportPrepare(sql, start, rc)
		if rc != ResultOK {
			c.logger.Debug("Connection: prepare failed", "sql", sql, "rc", rc)
			return nil, c.result(rc, "prepare", sql)
		}
		if h == nil {
			return nil, contractError(CodeWeird, "prepare", "engine returned no statement")
		}
	} else {
		c.logger.Debug("Connection: reusing cached statement", "sql", key)
	}

	ctl := c.uncachedCtl
	if cached {
		ctl = c.cachedCtl
	}
	s := newStatement(c, ctl, key, sql, h)
	c.statements = append(c.statements, s)
	return s, nil
}

// cacheStatementHandle returns a statement's handle to the cache, resetting it
// first. A handle that fails to reset, or whose key is already owned by a
// different handle, is finalized instead.
func (c *Connection) cacheStatementHandle(s *Statement) {
	h := s.detach()
	c.forgetStatement(s)
	if h == nil {
		return
	}
	if s.stepped {
		if rc := h.Reset(); rc != ResultOK {
			c.logger.Debug("Connection: reset failed, finalizing", "sql", s.key, "rc", rc)
			c.finalizeHandle(h, s.key)
			return
		}
	}
	if s.bindings {
		if rc := h.ClearBindings(); rc != ResultOK {
			c.logger.Debug("Connection: clear bindings failed, finalizing", "sql", s.key, "rc", rc)
			c.finalizeHandle(h, s.key)
			return
		}
	}
	if !c.cache.put(s.key, h) {
		c.logger.Debug("Connection: statement already cached, finalizing duplicate", "sql", s.key)
		c.finalizeHandle(h, s.key)
	}
}

func (c *Connection) finalizeStatement(s *Statement) {
	h := s.detach()
	c.forgetStatement(s)
	if h != nil {
		c.finalizeHandle(h, s.sql)
	}
}

func (c *Connection) forgetStatement(s *Statement) {
	for i, other := range c.statements {
		if other == s {
			c.statements = append(c.statements[:i], c.statements[i+1:]...)
			return
		}
	}
}

// OpenBlob opens an incremental I/O handle on a single value. db may be empty
// for the main database.
func (c *Connection) OpenBlob(db, table, column string, rowid int64, writable bool) (*Blob, error) {
	native, err := c.enter("openBlob")
	if err != nil {
		return nil, err
	}
	if table == "" || column == "" {
		return nil, contractError(CodeInvalidArgument, "openBlob", "table and column are required")
	}
	h, rc := native.OpenBlob(db, table, column, rowid, writable)
	if rc != ResultOK {
		return nil, c.result(rc, "openBlob", fmt.Sprintf("%s.%s:%d", table, column, rowid))
	}
	b := &Blob{
		conn:     c,
		ctl:      c.uncachedCtl,
		handle:   h,
		table:    table,
		column:   column,
		rowid:    rowid,
		writable: writable,
	}
	c.blobs = append(c.blobs, b)
	return b, nil
}

func (c *Connection) finalizeBlob(b *Blob) {
	h := b.detach()
	for i, other := range c.blobs {
		if other == b {
			c.blobs = append(c.blobs[:i], c.blobs[i+1:]...)
			break
		}
	}
	if h != nil {
		if rc := h.Close(); rc != ResultOK {
			c.logger.Warn("Connection: blob close failed", "blob", b.String(), "rc", rc)
		}
	}
}

// CreateArray returns a named integer array usable as a table in SQL. With
// cached set the array is kept after Dispose and handed out again; an empty
// name then reuses any free cached array or generates a fresh name. Asking
// for an uncached array under a name the cache already holds returns the
// cached array.
func (c *Connection) CreateArray(name string, cached bool) (*Array, error) {
	db, err := c.enter("createArray")
	if err != nil {
		return nil, err
	}

	if name == "" && cached && len(c.freeArrays) > 0 {
		return c.reuseArray(0), nil
	}
	if name != "" {
		for i, a := range c.freeArrays {
			if a.name == name {
				if !cached {
					c.logger.Debug("Connection: array name held by cache, returning cached array", "name", name)
				}
				return c.reuseArray(i), nil
			}
		}
		for _, a := range c.arrays {
			if a.name == name {
				return nil, contractError(CodeInvalidArgument, "createArray", "array "+name+" is in use")
			}
		}
	} else {
		name = c.nextArrayName()
	}

	h, rc := db.CreateArray(name)
	if rc != ResultOK {
		return nil, c.result(rc, "createArray", name)
	}
	ctl := c.uncachedCtl
	if cached {
		ctl = c.cachedCtl
	}
	a := &Array{conn: c, ctl: ctl, name: name, handle: h}
	c.arrays = append(c.arrays, a)
	return a, nil
}

func (c *Connection) nextArrayName() string {
	for {
		name := fmt.Sprintf(arrayNameFormat, c.arraySeq)
		c.arraySeq++
		if !c.arrayNameTaken(name) {
			return name
		}
	}
}

func (c *Connection) arrayNameTaken(name string) bool {
	for _, a := range c.arrays {
		if a.name == name {
			return true
		}
	}
	for _, a := range c.freeArrays {
		if a.name == name {
			return true
		}
	}
	return false
}

func (c *Connection) reuseArray(i int) *Array {
	free := c.freeArrays[i]
	c.freeArrays = append(c.freeArrays[:i], c.freeArrays[i+1:]...)
	a := &Array{conn: c, ctl: c.cachedCtl, name: free.name, handle: free.detach()}
	c.arrays = append(c.arrays, a)
	return a
}

func (c *Connection) forgetArray(a *Array) {
	for i, other := range c.arrays {
		if other == a {
			c.arrays = append(c.arrays[:i], c.arrays[i+1:]...)
			return
		}
	}
}

// returnArray unbinds a cached array and keeps it for reuse.
func (c *Connection) returnArray(a *Array) {
	c.forgetArray(a)
	h := a.detach()
	if h == nil {
		return
	}
	if rc := h.Unbind(); rc != ResultOK {
		c.logger.Debug("Connection: array unbind failed, destroying", "name", a.name, "rc", rc)
		if rc := h.Destroy(); rc != ResultOK {
			c.logger.Warn("Connection: array destroy failed", "name", a.name, "rc", rc)
		}
		return
	}
	c.freeArrays = append(c.freeArrays, &Array{conn: c, ctl: c.cachedCtl, name: a.name, handle: h})
}

func (c *Connection) destroyArray(a *Array) {
	c.forgetArray(a)
	if h := a.detach(); h != nil {
		if rc := h.Destroy(); rc != ResultOK {
			c.logger.Warn("Connection: array destroy failed", "name", a.name, "rc", rc)
		}
	}
}

// Backup starts copying this database into the database at destPath. The
// backup is confined to this connection's goroutine.
func (c *Connection) Backup(destPath string) (*Backup, error) {
	db, err := c.enter("backup")
	if err != nil {
		return nil, err
	}
	dst, rc := c.engine.Open(destPath)
	if rc != ResultOK {
		msg := ""
		if dst != nil {
			msg = dst.ErrMsg()
			dst.Close()
		}
		return nil, &Error{Code: rc, Op: "backup", Message: msg}
	}
	h, rc := db.Backup(dst, "main", "main")
	if rc != ResultOK {
		err := c.result(rc, "backup", destPath)
		dst.Close()
		return nil, err
	}
	b := &Backup{conn: c, dst: dst, handle: h, destPath: destPath}
	c.backups = append(c.backups, b)
	return b, nil
}

func (c *Connection) forgetBackup(b *Backup) {
	for i, other := range c.backups {
		if other == b {
			c.backups = append(c.backups[:i], c.backups[i+1:]...)
			return
		}
	}
}

func (c *Connection) allocateBuffer(minSize int) (*Buffer, error) {
	if minSize < 0 {
		return nil, contractError(CodeInvalidArgument, "allocateBuffer", "negative size")
	}
	if minSize > maxBufferSize {
		return nil, contractError(CodeInvalidArgument, "allocateBuffer", fmt.Sprintf("size %d exceeds %d", minSize, maxBufferSize))
	}
	return c.buffers.allocate(minSize), nil
}

func (c *Connection) freeBuffer(b *Buffer) {
	c.buffers.free(b)
}

// BufferPoolStats reports the state of the buffer pool.
func (c *Connection) BufferPoolStats() (BufferPoolStats, error) {
	if err := c.checkThread("bufferPoolStats"); err != nil {
		return BufferPoolStats{}, err
	}
	return c.buffers.stats(), nil
}

// Interrupt aborts the native operation in progress and makes every
// following step or exec fail with an interrupted error until ClearInterrupt.
// It is safe to call from any goroutine.
func (c *Connection) Interrupt() {
	c.cancelled.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		c.db.Interrupt()
	}
}

// ClearInterrupt re-arms the connection after Interrupt.
func (c *Connection) ClearInterrupt() error {
	db, err := c.enter("clearInterrupt")
	if err != nil {
		return err
	}
	c.cancelled.Store(false)
	db.ClearInterrupt()
	return nil
}

// IsInterrupted reports whether Interrupt was called since the last
// ClearInterrupt.
func (c *Connection) IsInterrupted() bool {
	return c.cancelled.Load()
}

// SetProfiler attaches p, or detaches profiling when p is nil.
func (c *Connection) SetProfiler(p *Profiler) error {
	if err := c.checkThread("setProfiler"); err != nil {
		return err
	}
	c.profiler = p
	return nil
}

// Profiler returns the attached profiler, if any.
func (c *Connection) Profiler() *Profiler {
	return c.profiler
}

func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil
}

func (c *Connection) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// IsMemoryDatabase reports whether the connection's data lives only in memory.
func (c *Connection) IsMemoryDatabase() bool {
	return isMemoryPath(c.path)
}

// StatementCount returns the number of live statements.
func (c *Connection) StatementCount() int {
	return len(c.statements)
}

// CachedStatementCount returns the number of idle handles in the statement
// cache.
func (c *Connection) CachedStatementCount() int {
	return c.cache.len()
}

func (c *Connection) Path() string {
	return c.path
}

func (c *Connection) String() string {
	path := c.path
	if isMemoryPath(path) {
		path = ":memory:"
	}
	return "dbqueue.Connection[" + path + "]"
}

// isMemoryPath reports whether path names a database that does not outlive
// its connection.
func isMemoryPath(path string) bool {
	if path == "" || path == ":memory:" {
		return true
	}
	return strings.HasPrefix(path, "file::memory:") || strings.Contains(path, "mode=memory")
}

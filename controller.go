package dbqueue

// controller is the strategy a resource delegates disposal to. Both variants
// validate confinement and liveness before touching the Connection.
type controller interface {
	validate(op string) error
	disposeStatement(s *Statement) bool
	disposeBlob(b *Blob) bool
	disposeArray(a *Array) bool
	allocateBuffer(minSize int) (*Buffer, error)
	freeBuffer(b *Buffer)
	result(rc int, op, extra string) error
	cached() bool
}

type baseController struct {
	conn *Connection
}

func (c baseController) validate(op string) error {
	if err := c.conn.checkThread(op); err != nil {
		return err
	}
	_, err := c.conn.handle(op)
	return err
}

func (c baseController) disposeBlob(b *Blob) bool {
	if err := c.validate("disposeBlob"); err != nil {
		c.conn.logger.Warn("Blob: dispose refused", "blob", b, "error", err)
		return false
	}
	c.conn.finalizeBlob(b)
	return true
}

func (c baseController) allocateBuffer(minSize int) (*Buffer, error) {
	if err := c.validate("allocateBuffer"); err != nil {
		return nil, err
	}
	return c.conn.allocateBuffer(minSize)
}

func (c baseController) freeBuffer(b *Buffer) {
	if err := c.conn.checkThread("freeBuffer"); err != nil {
		c.conn.logger.Warn("Buffer: free refused", "error", err)
		return
	}
	c.conn.freeBuffer(b)
}

func (c baseController) result(rc int, op, extra string) error {
	return c.conn.result(rc, op, extra)
}

// cachedController returns statements to the statement cache and arrays to
// the free array list.
type cachedController struct {
	baseController
}

func (c cachedController) cached() bool { return true }

func (c cachedController) disposeStatement(s *Statement) bool {
	if err := c.validate("disposeStatement"); err != nil {
		c.conn.logger.Warn("Statement: dispose refused", "statement", s, "error", err)
		return false
	}
	c.conn.cacheStatementHandle(s)
	return true
}

func (c cachedController) disposeArray(a *Array) bool {
	if err := c.validate("disposeArray"); err != nil {
		c.conn.logger.Warn("Array: dispose refused", "array", a, "error", err)
		return false
	}
	c.conn.returnArray(a)
	return true
}

// uncachedController finalizes handles immediately.
type uncachedController struct {
	baseController
}

func (c uncachedController) cached() bool { return false }

func (c uncachedController) disposeStatement(s *Statement) bool {
	if err := c.validate("disposeStatement"); err != nil {
		c.conn.logger.Warn("Statement: dispose refused", "statement", s, "error", err)
		return false
	}
	c.conn.finalizeStatement(s)
	return true
}

func (c uncachedController) disposeArray(a *Array) bool {
	if err := c.validate("disposeArray"); err != nil {
		c.conn.logger.Warn("Array: dispose refused", "array", a, "error", err)
		return false
	}
	c.conn.destroyArray(a)
	return true
}

package dbqueue

// Array is a named list of integers the engine exposes as a one-column table,
// for queries like "SELECT * FROM t WHERE id IN (SELECT value FROM name)".
type Array struct {
	conn   *Connection
	ctl    controller
	name   string
	handle NativeArray
}

func (a *Array) detach() NativeArray {
	h := a.handle
	a.handle = nil
	a.ctl = nil
	return h
}

func (a *Array) enter(op string) (NativeArray, error) {
	if a.ctl == nil || a.handle == nil {
		return nil, contractError(CodeArrayDisposed, op, "array is disposed ["+a.name+"]")
	}
	if err := a.ctl.validate(op); err != nil {
		return nil, err
	}
	return a.handle, nil
}

// Bind replaces the array contents with values.
func (a *Array) Bind(values ...int64) error {
	h, err := a.enter("arrayBind")
	if err != nil {
		return err
	}
	return a.ctl.result(h.Bind(values), "arrayBind", a.name)
}

// Unbind empties the array.
func (a *Array) Unbind() error {
	h, err := a.enter("arrayUnbind")
	if err != nil {
		return err
	}
	return a.ctl.result(h.Unbind(), "arrayUnbind", a.name)
}

// Name returns the table name to use in SQL.
func (a *Array) Name() string { return a.name }

func (a *Array) IsDisposed() bool { return a.handle == nil }

// IsCached reports whether Dispose keeps the array for reuse.
func (a *Array) IsCached() bool {
	return a.ctl != nil && a.ctl.cached()
}

// Dispose unbinds a cached array and returns it to the connection, or
// destroys an uncached one.
func (a *Array) Dispose() {
	if a.ctl == nil {
		return
	}
	a.ctl.disposeArray(a)
}

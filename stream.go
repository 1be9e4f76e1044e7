package dbqueue

// bindStream stages a blob parameter in pooled buffers. Growing the value
// swaps in a larger buffer and frees the old one.
type bindStream struct {
	stmt   *Statement
	index  int
	buf    *Buffer
	n      int
	closed bool
}

func (st *bindStream) Write(p []byte) (int, error) {
	if st.closed {
		return 0, contractError(CodeMisuse, "bindStream", "stream is closed")
	}
	if _, err := st.stmt.enter("bindStream"); err != nil {
		return 0, err
	}
	if !st.buf.IsValid() {
		return 0, contractError(CodeMisuse, "bindStream", "buffer is no longer valid")
	}
	if need := st.n + len(p); need > st.buf.Cap() {
		bigger, err := st.stmt.ctl.allocateBuffer(need)
		if err != nil {
			return 0, err
		}
		copy(bigger.Bytes(), st.buf.Bytes()[:st.n])
		st.stmt.ctl.freeBuffer(st.buf)
		st.buf = bigger
	}
	copy(st.buf.Bytes()[st.n:], p)
	st.n += len(p)
	return len(p), nil
}

// Close binds the staged bytes and returns the buffer to the pool.
func (st *bindStream) Close() error {
	if st.closed {
		return nil
	}
	h, err := st.stmt.enter("bindStream")
	if err != nil {
		return err
	}
	st.closed = true
	st.stmt.forgetStream(st)
	data := make([]byte, st.n)
	copy(data, st.buf.Bytes()[:st.n])
	st.stmt.ctl.freeBuffer(st.buf)
	st.buf = nil
	return st.stmt.ctl.result(h.BindBytes(st.index, data), "bindStream", st.stmt.sql)
}

// discard drops the staged bytes without binding them.
func (st *bindStream) discard() {
	if st.closed {
		return
	}
	st.closed = true
	st.stmt.conn.freeBuffer(st.buf)
	st.buf = nil
}

package dbqueue

import "fmt"

// Blob reads and writes a single stored value in place. Blobs are always
// finalized on Dispose.
type Blob struct {
	conn     *Connection
	ctl      controller
	handle   NativeBlob
	table    string
	column   string
	rowid    int64
	writable bool
}

func (b *Blob) detach() NativeBlob {
	h := b.handle
	b.handle = nil
	b.ctl = nil
	return h
}

func (b *Blob) enter(op string) (NativeBlob, error) {
	if b.ctl == nil || b.handle == nil {
		return nil, contractError(CodeBlobDisposed, op, "blob is disposed "+b.String())
	}
	if err := b.ctl.validate(op); err != nil {
		return nil, err
	}
	return b.handle, nil
}

// ReadAt reads len(p) bytes starting at off.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	h, err := b.enter("blobRead")
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, contractError(CodeInvalidArgument, "blobRead", "negative offset")
	}
	n, rc := h.ReadAt(p, off)
	return n, b.ctl.result(rc, "blobRead", b.String())
}

// WriteAt writes p starting at off. The blob's size cannot change.
func (b *Blob) WriteAt(p []byte, off int64) (int, error) {
	h, err := b.enter("blobWrite")
	if err != nil {
		return 0, err
	}
	if !b.writable {
		return 0, contractError(CodeMisuse, "blobWrite", "blob is read-only "+b.String())
	}
	if off < 0 {
		return 0, contractError(CodeInvalidArgument, "blobWrite", "negative offset")
	}
	n, rc := h.WriteAt(p, off)
	return n, b.ctl.result(rc, "blobWrite", b.String())
}

// Size returns the length of the value in bytes.
func (b *Blob) Size() (int64, error) {
	h, err := b.enter("blobSize")
	if err != nil {
		return 0, err
	}
	return h.Size(), nil
}

func (b *Blob) IsWritable() bool { return b.writable }
func (b *Blob) IsDisposed() bool { return b.handle == nil }

// Dispose closes the blob. Calls from a foreign goroutine are logged and
// ignored.
func (b *Blob) Dispose() {
	if b.ctl == nil {
		return
	}
	b.ctl.disposeBlob(b)
}

func (b *Blob) String() string {
	return fmt.Sprintf("[%s.%s:%d]", b.table, b.column, b.rowid)
}

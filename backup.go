package dbqueue

// Backup copies a Connection's database into another file, a few pages at a
// time. It is confined to the source connection's goroutine.
type Backup struct {
	conn     *Connection
	dst      NativeDB
	handle   NativeBackup
	destPath string
	finished bool
}

func (b *Backup) enter(op string) (NativeBackup, error) {
	if b.handle == nil {
		return nil, contractError(CodeBackupDisposed, op, "backup is disposed ["+b.destPath+"]")
	}
	if err := b.conn.checkThread(op); err != nil {
		return nil, err
	}
	if _, err := b.conn.handle(op); err != nil {
		return nil, err
	}
	return b.handle, nil
}

// Step copies up to pages pages, or everything when pages is negative. It
// returns true once the copy is complete.
func (b *Backup) Step(pages int) (bool, error) {
	h, err := b.enter("backupStep")
	if err != nil {
		return false, err
	}
	if b.finished {
		return true, nil
	}
	if b.conn.cancelled.Load() {
		return false, b.conn.interrupted("backupStep", b.destPath)
	}
	rc := h.Step(pages)
	switch rc {
	case ResultDone:
		b.finished = true
		return true, nil
	case ResultOK:
		return false, nil
	default:
		return false, b.conn.result(rc, "backupStep", b.destPath)
	}
}

// Remaining returns the number of pages still to copy.
func (b *Backup) Remaining() (int, error) {
	h, err := b.enter("backupRemaining")
	if err != nil {
		return 0, err
	}
	return h.Remaining(), nil
}

// PageCount returns the total number of pages in the source database.
func (b *Backup) PageCount() (int, error) {
	h, err := b.enter("backupPageCount")
	if err != nil {
		return 0, err
	}
	return h.PageCount(), nil
}

func (b *Backup) IsFinished() bool { return b.finished }
func (b *Backup) IsDisposed() bool { return b.handle == nil }

// Dispose finishes the backup and closes the destination handle.
func (b *Backup) Dispose() {
	if b.handle == nil {
		return
	}
	if err := b.conn.checkThread("backupDispose"); err != nil {
		b.conn.logger.Warn("Backup: dispose refused", "backup", b.destPath, "error", err)
		return
	}
	b.conn.forgetBackup(b)
	b.release()
}

func (b *Backup) release() {
	if b.handle == nil {
		return
	}
	if rc := b.handle.Finish(); rc != ResultOK {
		b.conn.logger.Warn("Backup: finish failed", "backup", b.destPath, "rc", rc)
	}
	b.handle = nil
	if rc := b.dst.Close(); rc != ResultOK {
		b.conn.logger.Warn("Backup: closing destination failed", "backup", b.destPath, "rc", rc)
	}
	b.dst = nil
}

package changelog

import "github.com/pkg/errors"

// Cursor is a forward, repositionable iterator over the records of a log in
// ascending key order. It crosses file boundaries transparently and keeps
// its position when the head file is rotated.
//
// A cursor is immediately positioned: after a successful Cursor, CursorAt,
// NearestCursor or PositionTo call, Record already returns the record at the
// start position, and Next moves past it.
//
// A cursor belongs to a single reader; it is not safe for concurrent use by
// multiple goroutines. Close it when done.
type Cursor[K, V any] interface {
	// Record returns the record the cursor is positioned on, or nil when
	// the cursor is positioned on nothing.
	Record() *Record[K, V]

	// Next advances to the following record in key order, switching files
	// when the current one is exhausted. It reports whether a record is
	// available; on false the position is unchanged and a later call may
	// succeed once more records have been appended.
	Next() (bool, error)

	// PositionTo moves the cursor to the record with exactly the given
	// key or, with findNearest, to the record with the lowest key
	// strictly greater than it. It reports whether the cursor ended up
	// positioned on a record.
	PositionTo(key K, findNearest bool) (bool, error)

	// Close releases the cursor's resources. Closing twice is harmless.
	Close()
}

// logCursor walks the files of a Log through per-file cursors. All
// operations run under the log's shared lock, so they never observe a
// half-finished rotation; conversely a rotation, which holds the exclusive
// lock, sees a stable cursor to re-target.
type logCursor[K, V any] struct {
	log *Log[K, V]

	file *logFile[K, V]
	fc   *fileCursor[K, V]

	// invalid is set when the file this cursor was reading has been
	// deleted by Clear or PurgeUpTo. An invalid cursor behaves like the
	// empty cursor.
	invalid bool
}

func (c *logCursor[K, V]) Record() *Record[K, V] {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	if c.fc == nil {
		return nil
	}
	return c.fc.record()
}

func (c *logCursor[K, V]) Next() (bool, error) {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	return c.nextLocked()
}

func (c *logCursor[K, V]) nextLocked() (bool, error) {
	if c.invalid || c.fc == nil {
		return false, nil
	}
	ok, err := c.fc.next()
	if err != nil || ok {
		return ok, err
	}
	next := c.log.nextFileAfter(c.file)
	if next == nil {
		return false, nil
	}
	if err := c.switchToFile(next); err != nil {
		return false, err
	}
	// Switching lands on the new file's first record; only a still-empty
	// head has none.
	if c.fc.record() != nil {
		return true, nil
	}
	return c.fc.next()
}

func (c *logCursor[K, V]) PositionTo(key K, findNearest bool) (bool, error) {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	return c.positionToLocked(key, findNearest)
}

func (c *logCursor[K, V]) positionToLocked(key K, findNearest bool) (bool, error) {
	if c.invalid {
		return false, nil
	}
	target := c.log.fileFor(key)
	if target != c.file {
		if err := c.switchToFile(target); err != nil {
			return false, err
		}
	}
	found, err := c.fc.positionTo(key, findNearest)
	if err != nil {
		return false, err
	}
	if found && c.fc.record() == nil {
		// The key sits past the end of this file; the position really
		// is the start of the next one.
		return c.nextLocked()
	}
	return found, nil
}

// positionFirst places the cursor on the first record of the oldest file.
// Shared lock held.
func (c *logCursor[K, V]) positionFirst() error {
	return c.switchToFile(c.log.oldestFile())
}

// switchToFile replaces the current file cursor with one on file, positioned
// on its first record. Lock held.
func (c *logCursor[K, V]) switchToFile(file *logFile[K, V]) error {
	fc, err := file.cursor()
	if err != nil {
		return err
	}
	if c.fc != nil {
		c.fc.close()
	}
	c.file = file
	c.fc = fc
	return nil
}

// reinitialize re-targets the cursor to the rotated file at its previous
// byte offset and record. Called during rotation with the exclusive lock
// held; the underlying bytes were renamed, not copied, so the old position
// is valid in the new file.
func (c *logCursor[K, V]) reinitialize(rotated *logFile[K, V]) error {
	fc, err := rotated.cursorAt(c.fc.record(), c.fc.position())
	if err != nil {
		return errors.Wrapf(err, "reinitialize cursor on %s", rotated.path)
	}
	c.fc.close()
	c.file = rotated
	c.fc = fc
	return nil
}

// invalidate permanently empties the cursor. Exclusive lock held.
func (c *logCursor[K, V]) invalidate() {
	if c.fc != nil {
		c.fc.close()
		c.fc = nil
	}
	c.invalid = true
}

func (c *logCursor[K, V]) closeLocked() {
	if c.fc != nil {
		c.fc.close()
		c.fc = nil
	}
}

func (c *logCursor[K, V]) Close() {
	c.log.mu.RLock()
	c.closeLocked()
	c.log.mu.RUnlock()
	c.log.unregisterCursor(c)
}

// emptyCursor is returned for cursor requests on a closed log and for exact
// positioning that found nothing.
type emptyCursor[K, V any] struct{}

func (emptyCursor[K, V]) Record() *Record[K, V]            { return nil }
func (emptyCursor[K, V]) Next() (bool, error)              { return false, nil }
func (emptyCursor[K, V]) PositionTo(K, bool) (bool, error) { return false, nil }
func (emptyCursor[K, V]) Close()                           {}

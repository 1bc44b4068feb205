package changelog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	logFileSuffix    = ".log"
	headLogFileName  = "head" + logFileSuffix
	logFileSeparator = "_"
)

// ErrSeparatorInKey is returned from an append that needs a rotation when
// the parser's string encoding of a key bound contains '_' or '.', which
// would produce an unparseable rotated file name.
var ErrSeparatorInKey = errors.New("key encoding contains a file name separator")

// logSlot pairs a file with the key it is filed under in the inventory: the
// highest key a rotated file contains, or the parser's max-key sentinel for
// the head.
type logSlot[K, V any] struct {
	key  K
	file *logFile[K, V]
}

// Log is a multi-file append-only keyed log rooted at a directory.
//
// A Log is safe for concurrent use. Mutating operations (Append, Sync,
// PurgeUpTo, Clear) and lifecycle run under an exclusive lock; reads and
// cursor operations run under a shared lock. Instances are obtained with
// Open and shared process-wide per directory; see Open and Close.
type Log[K, V any] struct {
	dir       string
	parser    RecordParser[K, V]
	sizeLimit int64
	fileMode  os.FileMode
	lg        *zap.Logger

	// mu is the log-wide read-write lock described above. closed is
	// checked after acquiring it; once set, mutating operations become
	// no-ops and cursor requests yield an empty cursor.
	mu     sync.RWMutex
	closed bool

	// files is the inventory, sorted by slot key with the head always
	// last. Mutated only under the exclusive lock.
	files []logSlot[K, V]

	// cursors holds the open cursors that may need updating when the
	// head rotates. It has its own lock because cursors register while
	// holding only the shared log lock and deregister after releasing it.
	curMu   sync.Mutex
	cursors []*logCursor[K, V]
}

// newLog opens the log directory, recovering the file inventory from the
// directory listing. It is called by Open with the registry lock held.
func newLog[K, V any](dir string, parser RecordParser[K, V], sizeLimit int64, cfg config) (*Log[K, V], error) {
	l := &Log[K, V]{
		dir:       dir,
		parser:    parser,
		sizeLimit: sizeLimit,
		fileMode:  cfg.fileMode,
		lg:        cfg.lg,
	}
	if err := l.openLogFiles(); err != nil {
		l.closeFiles()
		return nil, errors.Wrapf(err, "initialize log at %s", dir)
	}
	return l, nil
}

// openLogFiles scans the directory and builds the inventory: every rotated
// file under the high key parsed from its name, then the head under the
// max-key sentinel.
func (l *Log[K, V]) openLogFiles() error {
	if err := ensureLogDir(l.dir, dirMode(l.fileMode)); err != nil {
		return err
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrap(err, "list log directory")
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logFileSuffix) || name == headLogFileName {
			continue
		}
		if err := l.openRotatedFile(filepath.Join(l.dir, name)); err != nil {
			return err
		}
	}
	sort.Slice(l.files, func(i, j int) bool {
		return l.parser.Compare(l.files[i].key, l.files[j].key) < 0
	})
	return l.openHeadFile()
}

// openRotatedFile opens a read-only file and files it under the high key
// from its name. The name is the sole source of truth for the key range.
func (l *Log[K, V]) openRotatedFile(path string) error {
	_, high, err := l.parseKeyBounds(path)
	if err != nil {
		return err
	}
	lf, err := openReadOnlyLogFile(path, l.parser)
	if err != nil {
		return err
	}
	l.files = append(l.files, logSlot[K, V]{key: high, file: lf})
	return nil
}

// openHeadFile opens or creates head.log and appends it to the inventory
// under the max-key sentinel.
func (l *Log[K, V]) openHeadFile() error {
	head, err := openAppendableLogFile(filepath.Join(l.dir, headLogFileName), l.parser, l.fileMode)
	if err != nil {
		return err
	}
	l.files = append(l.files, logSlot[K, V]{key: l.parser.MaxKey(), file: head})
	return nil
}

// parseKeyBounds recovers the low and high keys from a rotated file name.
func (l *Log[K, V]) parseKeyBounds(path string) (low, high K, err error) {
	name := strings.TrimSuffix(filepath.Base(path), logFileSuffix)
	parts := strings.Split(name, logFileSeparator)
	if len(parts) != 2 {
		return low, high, errors.Errorf("malformed log file name %q", filepath.Base(path))
	}
	if low, err = l.parser.DecodeKeyFromString(parts[0]); err != nil {
		return low, high, errors.Wrapf(err, "key bounds of %q", filepath.Base(path))
	}
	if high, err = l.parser.DecodeKeyFromString(parts[1]); err != nil {
		return low, high, errors.Wrapf(err, "key bounds of %q", filepath.Base(path))
	}
	return low, high, nil
}

// Dir returns the directory this log stores its files in.
func (l *Log[K, V]) Dir() string { return l.dir }

// Append adds a record at the end of the log. Records must be appended in
// ascending key order; the log does not reorder them.
//
// If the head file already exceeds the size limit the head is rotated
// first, so a single oversized record may leave the head larger than the
// limit. The record is buffered by the operating system; call Sync to make
// it durable. Append on a closed log is a no-op.
func (l *Log[K, V]) Append(rec Record[K, V]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	head := l.headFile()
	if head.sizeInBytes() > l.sizeLimit {
		l.lg.Info("rotating head log file",
			zap.String("dir", l.dir),
			zap.Int64("size", head.sizeInBytes()),
			zap.Int64("limit", l.sizeLimit))
		if err := l.rotateHeadFile(); err != nil {
			return err
		}
		head = l.headFile()
	}
	return head.append(rec)
}

// Sync forces the head file to stable storage. Only records appended before
// a successful Sync are guaranteed durable. Sync on a closed log is a no-op.
func (l *Log[K, V]) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.headFile().sync()
}

// rotateHeadFile renames the head to its range-encoded name, reopens it as
// a read-only file, opens a fresh empty head, and re-targets any open
// cursor that was reading the old head. Exclusive lock held.
func (l *Log[K, V]) rotateHeadFile() error {
	head := l.headFile()
	rotatedName, err := l.rotatedFileName(head)
	if err != nil {
		return err
	}
	rotatedPath := filepath.Join(l.dir, rotatedName)

	// Rename before closing anything: if the rename fails the old head
	// stays the head and keeps growing.
	if err := os.Rename(head.path, rotatedPath); err != nil {
		return errors.Wrapf(err, "rotate head to %q", rotatedName)
	}
	if err := head.close(); err != nil {
		return err
	}

	rotated, err := openReadOnlyLogFile(rotatedPath, l.parser)
	if err != nil {
		return errors.Wrap(err, "reopen rotated file")
	}

	// Replace the head slot with the rotated file under its high key,
	// then install the new head after it.
	l.files[len(l.files)-1] = logSlot[K, V]{key: rotated.newestRecord().Key, file: rotated}
	if err := l.openHeadFile(); err != nil {
		return errors.Wrap(err, "open new head after rotation")
	}

	return l.retargetCursors(head, rotated)
}

// rotatedFileName derives "<lowKey>_<highKey>.log" from the head's first
// and last records.
func (l *Log[K, V]) rotatedFileName(head *logFile[K, V]) (string, error) {
	low := l.parser.EncodeKeyToString(head.oldestRecord().Key)
	high := l.parser.EncodeKeyToString(head.newestRecord().Key)
	if strings.ContainsAny(low, logFileSeparator+".") || strings.ContainsAny(high, logFileSeparator+".") {
		return "", errors.Wrapf(ErrSeparatorInKey, "encodings %q, %q", low, high)
	}
	return low + logFileSeparator + high + logFileSuffix, nil
}

// retargetCursors moves every open cursor that was positioned in oldHead to
// the same byte offset and record in the rotated file. The bytes did not
// move, only the name did, so the position carries over exactly.
// Exclusive lock held.
func (l *Log[K, V]) retargetCursors(oldHead, rotated *logFile[K, V]) error {
	var firstErr error
	for _, c := range l.snapshotCursors() {
		if c.file != oldHead || c.fc == nil {
			continue
		}
		if err := c.reinitialize(rotated); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "update cursor after rotation")
		}
	}
	return firstErr
}

// Cursor returns a cursor positioned on the oldest record of the log. On an
// empty log the cursor points at nothing until a record is appended and
// Next is called. A closed log yields an empty cursor.
func (l *Log[K, V]) Cursor() (Cursor[K, V], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return emptyCursor[K, V]{}, nil
	}
	c := &logCursor[K, V]{log: l}
	if err := c.positionFirst(); err != nil {
		c.closeLocked()
		return nil, err
	}
	l.registerCursor(c)
	return c, nil
}

// CursorAt returns a cursor positioned on the record with exactly the given
// key. If the key is not present, or the log is closed, an empty cursor is
// returned.
func (l *Log[K, V]) CursorAt(key K) (Cursor[K, V], error) {
	return l.keyedCursor(key, false)
}

// NearestCursor returns a cursor positioned on the record with the lowest
// key strictly greater than the given key. The cursor is returned even when
// no such record exists yet; it starts yielding records once they are
// appended. A closed log yields an empty cursor.
func (l *Log[K, V]) NearestCursor(key K) (Cursor[K, V], error) {
	return l.keyedCursor(key, true)
}

func (l *Log[K, V]) keyedCursor(key K, findNearest bool) (Cursor[K, V], error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return emptyCursor[K, V]{}, nil
	}
	c := &logCursor[K, V]{log: l}
	found, err := c.positionToLocked(key, findNearest)
	if err != nil {
		c.closeLocked()
		return nil, err
	}
	if !found && !findNearest {
		c.closeLocked()
		return emptyCursor[K, V]{}, nil
	}
	l.registerCursor(c)
	return c, nil
}

// OldestRecord returns the first record of the log, or nil if the log is
// empty or closed.
func (l *Log[K, V]) OldestRecord() *Record[K, V] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	return l.oldestRecordLocked()
}

func (l *Log[K, V]) oldestRecordLocked() *Record[K, V] {
	for _, slot := range l.files {
		if rec := slot.file.oldestRecord(); rec != nil {
			return rec
		}
	}
	return nil
}

// NewestRecord returns the last record of the log, or nil if the log is
// empty or closed.
func (l *Log[K, V]) NewestRecord() *Record[K, V] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil
	}
	for i := len(l.files) - 1; i >= 0; i-- {
		if rec := l.files[i].file.newestRecord(); rec != nil {
			return rec
		}
	}
	return nil
}

// NumRecords returns the number of records across all files of the log.
func (l *Log[K, V]) NumRecords() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0
	}
	var n int64
	for _, slot := range l.files {
		n += slot.file.numRecords()
	}
	return n
}

// PurgeUpTo deletes every whole file whose highest key is strictly less
// than key. Records inside a surviving file are never deleted, even when
// their keys are below the boundary, and the head is never purged.
//
// Open cursors positioned inside a purged file are invalidated and behave
// like empty cursors afterwards. Files that cannot be deleted stay in the
// inventory and are reported together in a single error; files that were
// deleted are gone regardless.
//
// It returns the oldest record remaining after the purge, nil if the log
// is now empty, was closed, or nothing was purged.
func (l *Log[K, V]) PurgeUpTo(key K) (*Record[K, V], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil
	}

	n := l.ceilingIndex(key) // files[0:n] have slot keys < key
	if n == 0 {
		return nil, nil
	}

	var (
		survivors   []logSlot[K, V]
		undeletable []string
	)
	for i, slot := range l.files {
		if i >= n {
			survivors = append(survivors, slot)
			continue
		}
		l.invalidateCursorsOn(slot.file, "purge")
		slot.file.close()
		if err := slot.file.delete(); err != nil {
			undeletable = append(undeletable, slot.file.path)
			survivors = append(survivors, slot)
			continue
		}
	}
	l.files = survivors

	if len(undeletable) > 0 {
		return nil, errors.Errorf("unable to delete log files while purging: %s",
			strings.Join(undeletable, ", "))
	}
	return l.oldestRecordLocked(), nil
}

// Clear discards every record, deleting all files including the head, and
// reopens a fresh empty head. Open cursors are invalidated and behave like
// empty cursors afterwards. Clear on a closed log is a no-op.
func (l *Log[K, V]) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}

	if n := l.numCursors(); n > 0 {
		l.lg.Warn("clearing log with open cursors",
			zap.String("dir", l.dir),
			zap.Int("cursors", n))
	}
	for _, c := range l.snapshotCursors() {
		c.invalidate()
	}

	var (
		survivors   []logSlot[K, V]
		undeletable []string
	)
	for i, slot := range l.files {
		slot.file.close()
		if err := slot.file.delete(); err != nil {
			undeletable = append(undeletable, slot.file.path)
			// The head slot is not kept: opening the fresh head below
			// reattaches to whatever could not be deleted.
			if i < len(l.files)-1 {
				survivors = append(survivors, slot)
			}
		}
	}
	l.files = survivors

	// The log is unusable without a head; failure here is fatal for it.
	if err := l.openHeadFile(); err != nil {
		return errors.Wrap(err, "reopen head after clear")
	}
	if len(undeletable) > 0 {
		return errors.Errorf("unable to delete log files while clearing: %s",
			strings.Join(undeletable, ", "))
	}
	return nil
}

// Close releases this opener's reference. The log is really shut down when
// the last reference is released; until then other openers keep using it.
// Close never returns a non-nil error.
func (l *Log[K, V]) Close() error {
	sharedLogs.release(l)
	return nil
}

// doClose shuts the log down: called by the registry when the reference
// count reaches zero.
func (l *Log[K, V]) doClose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if n := l.numCursors(); n > 0 {
		l.lg.Warn("closing log with open cursors",
			zap.String("dir", l.dir),
			zap.Int("cursors", n))
	}
	l.closeFiles()
	l.closed = true
}

func (l *Log[K, V]) closeFiles() {
	for _, slot := range l.files {
		slot.file.close()
	}
}

func (l *Log[K, V]) headFile() *logFile[K, V] {
	return l.files[len(l.files)-1].file
}

// ceilingIndex returns the index of the first slot whose key is >= key.
// The head is filed under the max-key sentinel, so the result is always a
// valid index for any appendable key.
func (l *Log[K, V]) ceilingIndex(key K) int {
	return sort.Search(len(l.files), func(i int) bool {
		return l.parser.Compare(l.files[i].key, key) >= 0
	})
}

// fileFor returns the file that should contain key: the ceiling lookup in
// the inventory. Shared or exclusive lock held.
func (l *Log[K, V]) fileFor(key K) *logFile[K, V] {
	return l.files[l.ceilingIndex(key)].file
}

// oldestFile returns the first file in key order. Lock held.
func (l *Log[K, V]) oldestFile() *logFile[K, V] {
	return l.files[0].file
}

// nextFileAfter returns the file that follows cur in key order, or nil if
// cur is the head. Lock held.
func (l *Log[K, V]) nextFileAfter(cur *logFile[K, V]) *logFile[K, V] {
	for i, slot := range l.files {
		if slot.file == cur {
			if i+1 < len(l.files) {
				return l.files[i+1].file
			}
			return nil
		}
	}
	return nil
}

func (l *Log[K, V]) registerCursor(c *logCursor[K, V]) {
	l.curMu.Lock()
	l.cursors = append(l.cursors, c)
	l.curMu.Unlock()
}

func (l *Log[K, V]) unregisterCursor(c *logCursor[K, V]) {
	l.curMu.Lock()
	for i, rc := range l.cursors {
		if rc == c {
			l.cursors = append(l.cursors[:i], l.cursors[i+1:]...)
			break
		}
	}
	l.curMu.Unlock()
}

func (l *Log[K, V]) snapshotCursors() []*logCursor[K, V] {
	l.curMu.Lock()
	defer l.curMu.Unlock()
	return append([]*logCursor[K, V](nil), l.cursors...)
}

func (l *Log[K, V]) numCursors() int {
	l.curMu.Lock()
	defer l.curMu.Unlock()
	return len(l.cursors)
}

// invalidateCursorsOn invalidates every open cursor currently positioned in
// file, warning that a reader lost its position. Exclusive lock held.
func (l *Log[K, V]) invalidateCursorsOn(file *logFile[K, V], op string) {
	for _, c := range l.snapshotCursors() {
		if c.file == file && c.fc != nil {
			l.lg.Warn("invalidating cursor on deleted log file",
				zap.String("dir", l.dir),
				zap.String("file", file.path),
				zap.String("op", op))
			c.invalidate()
		}
	}
}

package changelog

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// sharedLogs is the process-wide table of open logs, one per directory.
var sharedLogs = &logRegistry{entries: make(map[string]*registryEntry)}

type logRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	log  any // *Log[K, V] for the types it was first opened with
	refs int

	// doClose shuts the log down; stored as a closure because the
	// registry does not know the log's type parameters.
	doClose func()
}

// registered is the view of a *Log the registry needs for release.
type registered interface {
	Dir() string
	warnUnregisteredRelease()
}

// Open returns the log stored in the directory dir, creating the directory
// and an empty head file as needed. Records are coded by parser, and the
// head file is rotated once it grows past sizeLimit bytes.
//
// Within a process there is a single *Log per directory: if dir is already
// open, Open returns that same instance with its reference count bumped,
// and the parser, sizeLimit and options of this call are ignored in favour
// of the first opener's. Opening an already-open directory with different
// key or value types is an error. Every Open must be paired with a Close;
// the log shuts down when the last reference is released.
func Open[K, V any](dir string, parser RecordParser[K, V], sizeLimit int64, opts ...Option) (*Log[K, V], error) {
	if parser == nil {
		return nil, errors.New("nil record parser")
	}
	if dir == "" {
		return nil, errors.New("empty log directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve log directory")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	sharedLogs.mu.Lock()
	defer sharedLogs.mu.Unlock()

	if e, ok := sharedLogs.entries[abs]; ok {
		l, ok := e.log.(*Log[K, V])
		if !ok {
			return nil, errors.Errorf("log at %s is already open with different record types", abs)
		}
		e.refs++
		return l, nil
	}

	l, err := newLog(abs, parser, sizeLimit, cfg)
	if err != nil {
		return nil, err
	}
	sharedLogs.entries[abs] = &registryEntry{log: l, refs: 1, doClose: l.doClose}
	return l, nil
}

// release drops one reference to l. The last release removes the registry
// entry and shuts the log down; the shutdown runs outside the registry
// lock, so a concurrent Open of the same path is never blocked on log I/O.
func (r *logRegistry) release(l registered) {
	r.mu.Lock()
	e, ok := r.entries[l.Dir()]
	if !ok || e.log != any(l) {
		r.mu.Unlock()
		l.warnUnregisteredRelease()
		return
	}
	if e.refs > 1 {
		e.refs--
		r.mu.Unlock()
		return
	}
	delete(r.entries, l.Dir())
	r.mu.Unlock()
	e.doClose()
}

func (l *Log[K, V]) warnUnregisteredRelease() {
	l.lg.Warn("releasing a log that is not registered", zap.String("dir", l.dir))
}

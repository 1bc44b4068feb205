package changelog

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Option is a functional configuration type that can be passed to Open to
// adjust the behaviour of a *Log. Options are applied by the first opener
// of a directory only; later openers share the already-configured instance.
type Option func(*config) error

type config struct {
	lg       *zap.Logger
	fileMode os.FileMode
}

func defaultConfig() config {
	return config{
		lg:       zap.NewNop(),
		fileMode: 0o600,
	}
}

// WithLogger sets the logger used for operational events: rotations,
// releases of unregistered paths, and warnings about cursors left open
// across Clear, PurgeUpTo or Close. The default discards everything.
func WithLogger(lg *zap.Logger) Option {
	return func(c *config) error {
		if lg == nil {
			return errors.New("nil logger")
		}
		c.lg = lg
		return nil
	}
}

// WithFileMode sets the permission bits for created log files. The log
// directory, if it has to be created, gets the same bits plus full owner
// access (read, write and execute). The default is 0600.
func WithFileMode(mode os.FileMode) Option {
	return func(c *config) error {
		c.fileMode = mode.Perm()
		return nil
	}
}

// dirMode derives directory permissions from the configured file mode.
func dirMode(fileMode os.FileMode) os.FileMode {
	return fileMode.Perm() | 0o700
}

//go:build !windows

package changelog

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ensureLogDir makes sure dir exists, is a directory, and is readable and
// writable by this process, creating it if necessary.
func ensureLogDir(dir string, mode os.FileMode) error {
	fi, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return errors.Wrap(os.MkdirAll(dir, mode), "create log directory")
	}
	if err != nil {
		return errors.Wrap(err, "stat log directory")
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK); err != nil {
		return errors.Wrapf(err, "check permissions on %s", dir)
	}
	return nil
}

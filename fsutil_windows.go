//go:build windows

package changelog

import (
	"os"

	"github.com/pkg/errors"
)

// ensureLogDir makes sure dir exists and is a directory, creating it if
// necessary. Permission probing is left to the first real file operation;
// Windows ACLs are not meaningfully checked with an access(2)-style call.
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
	return nil
}

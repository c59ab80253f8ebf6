//go:build !windows

package pbd

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// checkDirPerms checks to see if name exists, is a directory, and that we
// have read, write, and search permissions to it.
func checkDirPerms(name string) error {
	// Try to stat the path. If we can't get any info from it, this
	// usually means the path doesn't exist, or that we do not have
	// read access.
	fi, err := os.Stat(name)
	if err != nil {
		return errors.Wrap(err, "stat")
	}

	// Make sure the path refers to a directory.
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", name)
	}

	// Can we read, write, and traverse the directory?
	if err := unix.Access(name, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return errors.Wrap(err, "check directory permissions")
	}

	return nil
}

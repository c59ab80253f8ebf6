//go:build windows

package pbd

import (
	"os"

	"github.com/pkg/errors"
)

// checkDirPerms checks to see if name exists, and is a directory.
//
// Given the differences in how Windows and unix-like systems handle
// filesystem permissions, this function only checks that the directory
// exists; a permission problem will surface on the first file operation.
func checkDirPerms(name string) error {
	fi, err := os.Stat(name)
	if err != nil {
		return errors.Wrap(err, "stat")
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", name)
	}
	return nil
}

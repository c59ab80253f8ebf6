//go:build windows

package pbd

import (
	"os"

	"github.com/pkg/errors"
)

const mmapSupported = false

func mapFile(f *os.File, length int) ([]byte, error) {
	return nil, errors.New("memory-mapped segments are not supported on windows")
}

func unmapFile(b []byte) error {
	return errors.New("memory-mapped segments are not supported on windows")
}

func syncMap(b []byte) error {
	return errors.New("memory-mapped segments are not supported on windows")
}

func allocNative(n int) ([]byte, func(), error) {
	return nil, nil, errors.New("native allocation is not supported on windows")
}

package pbd

import (
	"go.uber.org/zap"

	"go.nesv.ca/pbd/metrics"
)

// Option is a functional configuration type that can be used to configure
// the behaviour of a *Deque at construction time.
type Option func(*Deque) error

// Logger sets the logger used for usage-specific messages: empty-segment
// cleanup, recovery progress, and discard-path failures. The default is a
// no-op logger.
func Logger(l *zap.Logger) Option {
	return func(d *Deque) error {
		if l == nil {
			return errNilLogger
		}
		d.log = l
		return nil
	}
}

// KeepEmpty stops New from deleting segments found on disk that contain no
// records. By default such segments are removed during the directory scan.
func KeepEmpty() Option {
	return func(d *Deque) error {
		d.deleteEmpty = false
		return nil
	}
}

// MemoryMapped selects the segment backend: memory-mapped files when on is
// true, regular file I/O otherwise. Without this option the backend is
// taken from the PBD_USE_MMAP environment variable.
//
// On platforms without mmap support the setting is ignored and regular I/O
// is used.
func MemoryMapped(on bool) Option {
	return func(d *Deque) error {
		d.mapped = on && mmapSupported
		return nil
	}
}

// Metrics installs a metrics collector. The default collector does
// nothing.
func Metrics(c metrics.Collector) Option {
	return func(d *Deque) error {
		if c == nil {
			return errNilCollector
		}
		d.metrics = c
		return nil
	}
}

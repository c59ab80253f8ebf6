// Package pbdutil provides additional functionality for users of the pbd
// package.
package pbdutil

import (
	"time"

	"go.nesv.ca/pbd"
)

// SyncInterval creates a time.Timer to fire after the given time.Duration
// d, to call deque.Sync(). If deque.Sync() returns a non-nil error, the
// onError function is called, with the non-nil error as an argument.
//
// If the non-nil error returned from deque.Sync() is pbd.ErrClosed, this
// function will exit. It is recommended to call this function in its own
// goroutine.
//
//	d, err := pbd.New("overflow", "/var/lib/export.d")
//	if err != nil {
//		...
//	}
//
//	go pbdutil.SyncInterval(d, 10*time.Second, func(err error) {
//		log.Println("error syncing deque:", err)
//	})
func SyncInterval(deque *pbd.Deque, d time.Duration, onError func(error)) {
	timer := time.NewTimer(d)
	for range timer.C {
		if err := deque.Sync(); err != nil && err == pbd.ErrClosed {
			break
		} else if err != nil {
			onError(err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}
	timer.Stop()
}

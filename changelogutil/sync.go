// Package changelogutil provides optional helpers for the changelog
// package. They are kept out of the main package so that the core log stays
// free of policy such as when to sync.
package changelogutil

import "time"

// Syncer is the part of a *changelog.Log that SyncEvery needs.
type Syncer interface {
	Sync() error
}

// SyncEvery starts a goroutine that calls s.Sync at every interval d, and
// returns a function that stops it. If a sync fails and onError is non-nil,
// onError is called with the error; syncing then continues.
//
// Typical use:
//
//	stop := changelogutil.SyncEvery(log, 10*time.Second, func(err error) {
//		lg.Warn("changelog sync failed", zap.Error(err))
//	})
//	defer stop()
func SyncEvery(s Syncer, d time.Duration, onError func(error)) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := s.Sync(); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

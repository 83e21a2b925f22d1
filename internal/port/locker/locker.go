package locker

import "context"

// AdvisoryLocker serialises work across coordinator processes that share one
// database. Locks are named; fn runs only while the named lock is held.
type AdvisoryLocker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// Package guard runs operations under a distributed lock declared by a
// Descriptor.
//
// A Descriptor names the lock with a key template and bounds how long to wait
// for it and how long to hold it. For every invocation the Guard resolves the
// key from the call arguments, acquires the lock through a lock.Client, runs
// the operation and releases the lock on every exit path, provided the lease
// is still owned. Errors of the operation reach the caller unchanged; failures
// to lock surface as AcquisitionFailedError or AcquisitionInterruptedError and
// failures to release are reported but never returned.
//
//	d := guard.MustDescriptor("user:#userID", guard.WithWaitTime(5*time.Second))
//	err := g.Do(ctx, d, keyres.Args{"userID": id}, func(ctx context.Context) error {
//		return charge(ctx, id)
//	})
package guard

package txkv

// Future is the join handle for an asynchronous storage-tier call. A caller
// may issue several calls without waiting and block on completion at a
// defined join point. There is no cancellation: once issued, a request runs
// to completion or failure.
type Future[T any] struct {
	done chan struct{}
	v    T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) {
	f.v, f.err = v, err
	close(f.done)
}

// Wait blocks until the request completes and returns its result.
// Wait may be called more than once.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.v, f.err
}

func resolvedFuture[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.complete(v, nil)
	return f
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// waitAll joins every future and returns the first error encountered.
// All futures are waited on regardless, so no request is abandoned mid-air.
func waitAll[T any](futures []*Future[T]) error {
	var firstErr error
	for _, f := range futures {
		if _, err := f.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

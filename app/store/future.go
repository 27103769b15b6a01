package store

// OpFuture represents an operation which is executing in the background.
// The operation has completed when Done selects, Err returns the final status.
type OpFuture interface {
	// Done selects when operation completes.
	Done() <-chan struct{}
	// Err blocks until the operation completes, then returns its error.
	Err() error
}

// AsyncOperation is a minimal implementation of OpFuture
type AsyncOperation struct {
	doneCh chan struct{} // closed to signal operation has completed
	err    error         // error on operation completion
}

// NewAsyncOperation returns a new AsyncOperation
func NewAsyncOperation() *AsyncOperation { return &AsyncOperation{doneCh: make(chan struct{})} }

// Done selects when Resolve is called
func (o *AsyncOperation) Done() <-chan struct{} { return o.doneCh }

// Err blocks until Resolve is called, then returns its error
func (o *AsyncOperation) Err() error {
	<-o.Done()
	return o.err
}

// Resolve marks the AsyncOperation as completed with the given error. Must be called once.
func (o *AsyncOperation) Resolve(err error) {
	o.err = err
	close(o.doneCh)
}

// FinishedOperation returns an already resolved OpFuture
func FinishedOperation(err error) OpFuture {
	op := NewAsyncOperation()
	op.Resolve(err)
	return op
}

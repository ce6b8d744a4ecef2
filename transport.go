package capweb

import "context"

// Transport carries batches between two sessions. A batch is one or more
// frames joined by newlines, it must be delivered as a whole and in order.
//
// Implementations must unblock `Receive` when ctx is cancelled or when
// the transport is closed. Optional interfaces are `Aborter` and
// `io.Closer`, they are invoked once when the session ends.
type Transport interface {
	Send(ctx context.Context, batch string) error
	Receive(ctx context.Context) (string, error)
}

// Aborter is implemented by transports which can convey why the session
// ended abnormally, e.g. with a QUIC application error code.
type Aborter interface {
	Abort(cause error)
}

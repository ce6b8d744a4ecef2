package transport

import (
	"context"
	"sync"
)

// pipeFlow is one direction of a `Pipe`.
type pipeFlow struct {
	data    chan string
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newPipeFlow(bufferSize uint) *pipeFlow {
	return &pipeFlow{
		data:    make(chan string, bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (fl *pipeFlow) send(ctx context.Context, batch string) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	select {
	case fl.data <- batch:
		return nil
	case <-fl.closeCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (fl *pipeFlow) recv(ctx context.Context) (string, error) {
	select {
	case batch, ok := <-fl.data:
		if !ok {
			return "", ErrClosed
		}
		return batch, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (fl *pipeFlow) close() {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
}

// Pipe is one end of an in-process transport. Batches sent before a
// `Close` are still delivered to the other end.
type Pipe struct {
	in  *pipeFlow
	out *pipeFlow

	lk    sync.Mutex
	cause error
}

// NewPipe returns two connected ends, each buffering up to bufferSize
// batches.
func NewPipe(bufferSize uint) (*Pipe, *Pipe) {
	ab := newPipeFlow(bufferSize)
	ba := newPipeFlow(bufferSize)
	return &Pipe{in: ba, out: ab}, &Pipe{in: ab, out: ba}
}

func (p *Pipe) Send(ctx context.Context, batch string) error {
	return p.out.send(ctx, batch)
}

func (p *Pipe) Receive(ctx context.Context) (string, error) {
	return p.in.recv(ctx)
}

// Abort closes both directions and records cause.
func (p *Pipe) Abort(cause error) {
	p.lk.Lock()
	if p.cause == nil {
		p.cause = cause
	}
	p.lk.Unlock()
	_ = p.Close()
}

// Cause returns the error given to `Abort`, if any.
func (p *Pipe) Cause() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.cause
}

func (p *Pipe) Close() error {
	p.out.close()
	p.in.close()
	return nil
}

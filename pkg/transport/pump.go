package transport

import (
	"context"
	"sync"
)

// pump reads batches on its own goroutine so `Receive` can be cancelled.
type pump struct {
	read   func() (string, error)
	closer func() error

	readCh  chan string
	closeCh chan struct{}
	wg      sync.WaitGroup

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func newPump(read func() (string, error), closer func() error, bufferSize uint) *pump {
	p := &pump{
		read:   read,
		closer: closer,

		readCh:  make(chan string, bufferSize),
		closeCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

func (p *pump) recv(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case batch, ok := <-p.readCh:
		if !ok {
			return "", p.cause()
		}
		return batch, nil
	}
}

func (p *pump) cause() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.err
}

// closeWith records cause and closes the underlying reader. Only the
// first call has an effect.
func (p *pump) closeWith(cause error) error {
	p.lk.Lock()
	if p.err != nil {
		p.lk.Unlock()
		return nil
	}
	p.err = cause
	close(p.closeCh)
	p.lk.Unlock()
	return p.closer()
}

func (p *pump) close(cause error) error {
	err := p.closeWith(cause)
	p.wg.Wait()
	return err
}

func (p *pump) run() {
	defer p.wg.Done()
	defer close(p.readCh)
	for {
		batch, err := p.read()
		if err != nil {
			_ = p.closeWith(err)
			return
		}

		select {
		case <-p.closeCh:
			return
		case p.readCh <- batch:
		}
	}
}

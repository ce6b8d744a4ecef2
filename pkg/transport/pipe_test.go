package transport

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("both directions", func(t *testing.T) {
		a, b := NewPipe(2)
		defer a.Close()

		require.NoError(t, a.Send(ctx, "ping"))
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, "ping", got)

		require.NoError(t, b.Send(ctx, "pong"))
		got, err = a.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, "pong", got)
	})

	t.Run("buffered batches survive close", func(t *testing.T) {
		a, b := NewPipe(2)
		require.NoError(t, a.Send(ctx, "last words"))
		require.NoError(t, a.Close())

		got, err := b.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, "last words", got)

		_, err = b.Receive(ctx)
		require.ErrorIs(t, err, ErrClosed)
		require.ErrorIs(t, err, io.EOF)
		require.ErrorIs(t, b.Send(ctx, "too late"), ErrClosed)
	})

	t.Run("blocked send is released by close", func(t *testing.T) {
		a, b := NewPipe(0)
		errCh := make(chan error, 1)
		go func() { errCh <- a.Send(ctx, "never read") }()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Close())
		require.ErrorIs(t, <-errCh, ErrClosed)
	})

	t.Run("receive honours its context", func(t *testing.T) {
		a, b := NewPipe(1)
		defer a.Close()

		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := b.Receive(short)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("abort records its cause", func(t *testing.T) {
		a, b := NewPipe(1)
		cause := errors.New("boom")
		a.Abort(cause)
		a.Abort(errors.New("ignored"))

		require.Equal(t, cause, a.Cause())
		require.NoError(t, b.Cause())
		_, err := b.Receive(ctx)
		require.ErrorIs(t, err, ErrClosed)
	})
}

package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/helixtrade/helix/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	_, err := NewPool(0, 4)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestSubmitRunsTask(t *testing.T) {
	p, err := NewPool(2, 4)
	require.NoError(t, err)
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}))
	<-done
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitBackpressureWhenSaturated(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started
	// worker busy, one slot queued, the next submission must shed
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPanickingTaskKeepsWorkerAlive(t *testing.T) {
	p, err := NewPool(1, 4)
	require.NoError(t, err)
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}))
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitAfterClose(t *testing.T) {
	p, err := NewPool(1, 1)
	require.NoError(t, err)
	p.Close()
	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errs.IsCode(err, errs.CodeUnavailable))
}

//go:build unit

package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNothingToManage(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, NewServerManager(nil).StartWithGracefulShutdownWithError(), ErrNothingToManage)
}

func TestHooksRunInOrderOnShutdownChannel(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		order []string
	)

	record := func(name string, err error) func(context.Context) error {
		return func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)

			mu.Lock()
			order = append(order, name)
			mu.Unlock()

			return err
		}
	}

	shutdown := make(chan struct{})

	sm := NewServerManager(libLog.NewNop()).
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(time.Second).
		WithShutdownHook("worker", record("worker", nil)).
		WithShutdownHook("bus", record("bus", errors.New("close failed"))).
		WithShutdownHook("store", record("store", nil))

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdownWithError()
	}()

	<-sm.ServersStarted()
	close(shutdown)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus: close failed")

	mu.Lock()
	assert.Equal(t, []string{"worker", "bus", "store"}, order)
	mu.Unlock()

	require.Equal(t, err, sm.Shutdown())
}

func TestStartupErrorTriggersShutdown(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	hookRan := make(chan struct{})

	sm := NewServerManager(nil).
		WithHTTPServer(app, "invalid-address").
		WithShutdownChannel(make(chan struct{})).
		WithShutdownHook("worker", func(context.Context) error {
			close(hookRan)
			return nil
		})

	done := make(chan error, 1)

	go func() {
		done <- sm.StartWithGracefulShutdownWithError()
	}()

	select {
	case <-hookRan:
	case <-time.After(5 * time.Second):
		t.Fatal("startup failure did not trigger shutdown")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not return")
	}
}

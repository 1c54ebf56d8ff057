package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-eventbus/eventbus"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
	"github.com/gofiber/fiber/v2"
)

const defaultShutdownTimeout = 30 * time.Second

// ErrNothingToManage is returned when neither an HTTP server nor a shutdown hook is configured.
var ErrNothingToManage = errors.New("nothing to manage: use WithHTTPServer() or WithShutdownHook()")

// ShutdownHook releases one resource during graceful shutdown.
type ShutdownHook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ServerManager runs the admin HTTP server and, on SIGINT/SIGTERM or a closed
// shutdown channel, drains the process: the HTTP server stops first, then each
// hook runs in registration order under one shared deadline.
type ServerManager struct {
	httpServer         *fiber.App
	httpAddress        string
	hooks              []ShutdownHook
	logger             libLog.Logger
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	shutdownErr        error
	startupErrors      chan error
}

var _ eventbus.App = (*ServerManager)(nil)

// NewServerManager creates a manager. A nil logger is replaced by a no-op one.
func NewServerManager(logger libLog.Logger) *ServerManager {
	return &ServerManager{
		logger:          libLog.OrNop(logger),
		serversStarted:  make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer configures the HTTP server.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithShutdownHook appends a hook run during shutdown.
func (sm *ServerManager) WithShutdownHook(name string, fn func(ctx context.Context) error) *ServerManager {
	if fn != nil {
		sm.hooks = append(sm.hooks, ShutdownHook{Name: name, Fn: fn})
	}

	return sm
}

// WithShutdownChannel replaces OS signals as the shutdown trigger.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the whole drain. Defaults to 30 seconds.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// ServersStarted is closed once the server goroutines have been launched.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Run implements eventbus.App.
func (sm *ServerManager) Run(_ *eventbus.Launcher) error {
	return sm.StartWithGracefulShutdownWithError()
}

// StartWithGracefulShutdownWithError starts the configured server and blocks
// until shutdown completes. It returns the joined hook errors.
func (sm *ServerManager) StartWithGracefulShutdownWithError() error {
	if sm.httpServer == nil && len(sm.hooks) == 0 {
		return ErrNothingToManage
	}

	sm.startServers()
	sm.handleShutdown()

	return sm.shutdownErr
}

func (sm *ServerManager) startServers() {
	if sm.httpServer != nil {
		runtime.SafeGo(context.Background(), sm.logger, "server", "start_http_server", func(ctx context.Context) {
			sm.logger.Log(ctx, libLog.LevelInfo, "starting admin HTTP server", libLog.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				sm.logger.Log(ctx, libLog.LevelError, "admin HTTP server error", libLog.Err(err))

				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		})
	}

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) handleShutdown() {
	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case err := <-sm.startupErrors:
			sm.logger.Log(context.Background(), libLog.LevelError, "server startup failed", libLog.Err(err))
		}
	} else {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		select {
		case <-c:
		case err := <-sm.startupErrors:
			sm.logger.Log(context.Background(), libLog.LevelError, "server startup failed", libLog.Err(err))
		}

		signal.Stop(c)
	}

	sm.logger.Log(context.Background(), libLog.LevelInfo, "gracefully shutting down")

	sm.executeShutdown()
}

// Shutdown runs the shutdown sequence once; later calls return the first result.
func (sm *ServerManager) Shutdown() error {
	sm.executeShutdown()

	return sm.shutdownErr
}

func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		var errs []error

		if sm.httpServer != nil {
			if err := sm.httpServer.ShutdownWithContext(ctx); err != nil {
				sm.logger.Log(ctx, libLog.LevelError, "admin HTTP server shutdown failed", libLog.Err(err))
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}

		for _, hook := range sm.hooks {
			sm.logger.Log(ctx, libLog.LevelInfo, "shutting down", libLog.String("component", hook.Name))

			if err := hook.Fn(ctx); err != nil {
				sm.logger.Log(ctx, libLog.LevelError, "shutdown hook failed",
					libLog.String("component", hook.Name), libLog.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			}
		}

		if err := sm.logger.Sync(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync logger: %w", err))
		}

		sm.shutdownErr = errors.Join(errs...)

		sm.logger.Log(context.Background(), libLog.LevelInfo, "graceful shutdown completed")
	})
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-eventbus/eventbus/assert"
	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/LerianStudio/lib-eventbus/eventbus/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrDuplicateApp is returned when a name is registered twice.
	ErrDuplicateApp = errors.New("app already registered")
	// ErrConfigFailed is returned when RunApp options failed to register an app.
	ErrConfigFailed = errors.New("launcher configuration failed")
	// ErrAppFailed wraps the errors returned by apps during RunWithError.
	ErrAppFailed = errors.New("app failed")
)

// App is a long-running component of an event bus process, such as the
// outbox worker or the admin server.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger libLog.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. A registration failure is surfaced by RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

type namedApp struct {
	name string
	app  App
}

// Launcher starts every registered App in registration order and waits for
// all of them to return.
type Launcher struct {
	Logger       libLog.Logger
	apps         []namedApp
	configErrors []error
}

// NewLauncher builds a launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers an application under a unique name.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	ctx := context.Background()
	asserter := assert.New(l.Logger, "launcher", "Add")
	appName = strings.TrimSpace(appName)

	if err := asserter.NotEmpty(ctx, appName, "app name must not be empty"); err != nil {
		return ErrEmptyApp
	}

	if err := asserter.NotNil(ctx, a, "app must not be nil", "app_name", appName); err != nil {
		return ErrNilApp
	}

	for _, existing := range l.apps {
		if existing.name == appName {
			return fmt.Errorf("%w: %s", ErrDuplicateApp, appName)
		}
	}

	l.apps = append(l.apps, namedApp{name: appName, app: a})

	return nil
}

// Apps returns the registered app names in registration order.
func (l *Launcher) Apps() []string {
	if l == nil {
		return nil
	}

	names := make([]string, 0, len(l.apps))
	for _, a := range l.apps {
		names = append(names, a.name)
	}

	return names
}

// Run is RunWithError with the error logged instead of returned.
func (l *Launcher) Run() {
	if err := l.RunWithError(); err != nil && l != nil && l.Logger != nil {
		l.Logger.Log(context.Background(), libLog.LevelError, "launcher error", libLog.Err(err))
	}
}

// RunWithError runs each app on its own recovered goroutine and blocks until
// all of them return. Errors returned by apps are joined under ErrAppFailed;
// a panicking app is logged and counts as finished.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []error
	)

	l.Logger.Log(context.Background(), libLog.LevelInfo, "starting apps", libLog.Int("count", len(l.apps)))

	wg.Add(len(l.apps))

	for _, a := range l.apps {
		runtime.SafeGo(context.Background(), l.Logger, "launcher", "run_app_"+a.name, func(ctx context.Context) {
			defer wg.Done()

			l.Logger.Log(ctx, libLog.LevelInfo, "app starting", libLog.String("app", a.name))

			if err := a.app.Run(l); err != nil {
				l.Logger.Log(ctx, libLog.LevelError, "app error", libLog.String("app", a.name), libLog.Err(err))

				mu.Lock()
				failed = append(failed, fmt.Errorf("%w: %s: %w", ErrAppFailed, a.name, err))
				mu.Unlock()
			}

			l.Logger.Log(ctx, libLog.LevelInfo, "app finished", libLog.String("app", a.name))
		})
	}

	wg.Wait()

	l.Logger.Log(context.Background(), libLog.LevelInfo, "launcher terminated")

	return errors.Join(failed...)
}

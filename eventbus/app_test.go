//go:build unit

package eventbus

import (
	"errors"
	"sync/atomic"
	"testing"

	libLog "github.com/LerianStudio/lib-eventbus/eventbus/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubApp struct {
	runs atomic.Int32
	err  error
	boom bool
}

func (s *stubApp) Run(_ *Launcher) error {
	s.runs.Add(1)

	if s.boom {
		panic("app exploded")
	}

	return s.err
}

func TestLauncherAdd(t *testing.T) {
	t.Parallel()

	t.Run("nil_receiver", func(t *testing.T) {
		t.Parallel()

		var l *Launcher
		require.ErrorIs(t, l.Add("worker", &stubApp{}), ErrNilLauncher)
	})

	t.Run("empty_name", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher()
		require.ErrorIs(t, l.Add("  ", &stubApp{}), ErrEmptyApp)
	})

	t.Run("nil_app", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher()
		require.ErrorIs(t, l.Add("worker", nil), ErrNilApp)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher()
		require.NoError(t, l.Add("worker", &stubApp{}))
		require.NoError(t, l.Add("admin", &stubApp{}))
		assert.Equal(t, []string{"worker", "admin"}, l.Apps())
	})

	t.Run("duplicate_name", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher()
		require.NoError(t, l.Add("worker", &stubApp{}))
		require.ErrorIs(t, l.Add(" worker ", &stubApp{}), ErrDuplicateApp)
		assert.Equal(t, []string{"worker"}, l.Apps())
	})
}

func TestRunWithError(t *testing.T) {
	t.Parallel()

	t.Run("nil_logger", func(t *testing.T) {
		t.Parallel()

		require.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)
	})

	t.Run("config_errors_surface", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher(WithLogger(libLog.NewNop()), RunApp("", &stubApp{}))
		require.ErrorIs(t, l.RunWithError(), ErrConfigFailed)
	})

	t.Run("runs_every_app", func(t *testing.T) {
		t.Parallel()

		ok := &stubApp{}
		failing := &stubApp{err: errors.New("boom")}
		panicking := &stubApp{boom: true}

		l := NewLauncher(
			WithLogger(libLog.NewNop()),
			RunApp("ok", ok),
			RunApp("failing", failing),
			RunApp("panicking", panicking),
		)

		err := l.RunWithError()
		require.ErrorIs(t, err, ErrAppFailed)
		assert.Contains(t, err.Error(), "failing")
		assert.NotContains(t, err.Error(), "panicking")
		assert.Equal(t, int32(1), ok.runs.Load())
		assert.Equal(t, int32(1), failing.runs.Load())
		assert.Equal(t, int32(1), panicking.runs.Load())
	})

	t.Run("clean_exit", func(t *testing.T) {
		t.Parallel()

		l := NewLauncher(WithLogger(libLog.NewNop()), RunApp("ok", &stubApp{}))
		require.NoError(t, l.RunWithError())
	})
}

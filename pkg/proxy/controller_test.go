package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nexus-proxy/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, args []string) error {
	f.calls = append(f.calls, args)
	return f.err
}

func TestNewController(t *testing.T) {
	_, err := NewController(Config{ValidateCommand: "", ReloadCommand: "reload"}, nil)
	assert.Error(t, err)

	_, err = NewController(Config{ValidateCommand: "check", ReloadCommand: `sh -c "unterminated`}, nil)
	assert.Error(t, err)

	c, err := NewController(Config{ValidateCommand: "check", ReloadCommand: "reload"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestController_Validate(t *testing.T) {
	ctx := context.Background()

	t.Run("appends path", func(t *testing.T) {
		runner := &fakeRunner{}
		c, err := NewController(Config{ValidateCommand: "/scripts/configtest.sh", ReloadCommand: "reload"}, runner)
		require.NoError(t, err)

		require.NoError(t, c.Validate(ctx, "/etc/haproxy.new.cfg"))
		assert.Equal(t, [][]string{{"/scripts/configtest.sh", "/etc/haproxy.new.cfg"}}, runner.calls)
	})

	t.Run("placeholder", func(t *testing.T) {
		runner := &fakeRunner{}
		c, err := NewController(Config{ValidateCommand: "haproxy -c -f {config} -q", ReloadCommand: "reload"}, runner)
		require.NoError(t, err)

		require.NoError(t, c.Validate(ctx, "/etc/haproxy.new.cfg"))
		assert.Equal(t, [][]string{{"haproxy", "-c", "-f", "/etc/haproxy.new.cfg", "-q"}}, runner.calls)
	})

	t.Run("rejected", func(t *testing.T) {
		runner := &fakeRunner{err: &command.Error{Args: []string{"check"}, ExitCode: 1}}
		c, err := NewController(Config{ValidateCommand: "check", ReloadCommand: "reload"}, runner)
		require.NoError(t, err)

		err = c.Validate(ctx, "/etc/haproxy.new.cfg")
		require.Error(t, err)
		assert.Equal(t, 1, command.ExitCode(err))
	})
}

func TestController_Reload(t *testing.T) {
	runner := &fakeRunner{}
	c, err := NewController(Config{ValidateCommand: "check", ReloadCommand: `sh -c "kill -USR2 1"`}, runner)
	require.NoError(t, err)

	require.NoError(t, c.Reload(context.Background()))
	assert.Equal(t, [][]string{{"sh", "-c", "kill -USR2 1"}}, runner.calls)

	runner.err = &command.Error{Args: []string{"sh"}, ExitCode: 2}
	err = c.Reload(context.Background())
	assert.Equal(t, 2, command.ExitCode(err))
}

func TestController_Promote(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "haproxy.new.cfg")
	live := filepath.Join(dir, "etc", "haproxy.cfg")

	c, err := NewController(Config{ValidateCommand: "check", ReloadCommand: "reload"}, &fakeRunner{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(staged, []byte("global\n"), 0644))
	require.NoError(t, c.Promote(staged, live))

	data, err := os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "global\n", string(data))

	assert.Error(t, c.Promote(filepath.Join(dir, "missing.cfg"), live))
	data, err = os.ReadFile(live)
	require.NoError(t, err)
	assert.Equal(t, "global\n", string(data), "a failed promote leaves the live file alone")
}

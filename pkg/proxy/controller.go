package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/nexus-proxy/pkg/command"
	"github.com/cuemby/nexus-proxy/pkg/log"
)

// ConfigPlaceholder in a validate command is replaced by the staged path.
// Without it the path is appended as the last argument.
const ConfigPlaceholder = "{config}"

// Config holds the commands driving the proxy process
type Config struct {
	// ValidateCommand checks a configuration file, exit 0 meaning valid
	ValidateCommand string

	// ReloadCommand makes the proxy pick up the live configuration
	ReloadCommand string
}

// Controller validates, installs and reloads proxy configuration
type Controller struct {
	validate []string
	reload   []string
	runner   command.Runner
}

// NewController parses the configured command lines
func NewController(cfg Config, runner command.Runner) (*Controller, error) {
	validate, err := command.Parse(cfg.ValidateCommand)
	if err != nil {
		return nil, fmt.Errorf("validate command: %w", err)
	}
	reload, err := command.Parse(cfg.ReloadCommand)
	if err != nil {
		return nil, fmt.Errorf("reload command: %w", err)
	}
	if len(validate) == 0 {
		return nil, fmt.Errorf("validate command is empty")
	}
	if len(reload) == 0 {
		return nil, fmt.Errorf("reload command is empty")
	}
	if runner == nil {
		runner = command.NewExecRunner()
	}

	return &Controller{
		validate: validate,
		reload:   reload,
		runner:   runner,
	}, nil
}

// Validate runs the validate command against a staged configuration
func (c *Controller) Validate(ctx context.Context, stagedPath string) error {
	args := make([]string, 0, len(c.validate)+1)
	substituted := false
	for _, a := range c.validate {
		if strings.Contains(a, ConfigPlaceholder) {
			a = strings.ReplaceAll(a, ConfigPlaceholder, stagedPath)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, stagedPath)
	}

	if err := c.runner.Run(ctx, args); err != nil {
		return fmt.Errorf("configuration rejected: %w", err)
	}
	return nil
}

// Promote atomically replaces the live configuration with the staged one
func (c *Controller) Promote(stagedPath, livePath string) error {
	if err := os.MkdirAll(filepath.Dir(livePath), 0755); err != nil {
		return err
	}

	// A rename is only atomic within one filesystem, so go through a
	// sibling of the live file
	data, err := os.ReadFile(stagedPath)
	if err != nil {
		return fmt.Errorf("failed to read staged configuration: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(livePath), "."+filepath.Base(livePath)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, livePath); err != nil {
		return fmt.Errorf("failed to install configuration: %w", err)
	}

	logger := log.WithComponent("proxy")
	logger.Debug().Str("staged", stagedPath).Str("live", livePath).Msg("Configuration promoted")
	return nil
}

// Reload runs the reload command
func (c *Controller) Reload(ctx context.Context) error {
	if err := c.runner.Run(ctx, c.reload); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

package kernel

import (
	"fmt"
	"time"

	"github.com/sakif/kernelhub/internal/kernel/driver"
)

// Supported language tags.
const (
	Python = "python"
	Julia  = "julia"
)

// LanguageConfig describes how to start one language's interpreter.
type LanguageConfig struct {
	// Name is the language tag, e.g. "python".
	Name string
	// Interpreter is the executable path (or command name on PATH).
	Interpreter string
	// ReadyTimeout bounds the wait for the readiness marker.
	ReadyTimeout time.Duration
	// Args overrides the driver arguments. Tests use it to run fakes.
	Args []string
	// Env is appended to the driver environment.
	Env []string
}

// DefaultLanguages returns the built-in Python and Julia kernels. Julia gets a
// longer readiness window because its start-up is slower.
func DefaultLanguages() []LanguageConfig {
	return []LanguageConfig{
		{Name: Python, Interpreter: "python3", ReadyTimeout: 10 * time.Second},
		{Name: Julia, Interpreter: "julia", ReadyTimeout: 15 * time.Second},
	}
}

func (c LanguageConfig) args() ([]string, error) {
	if c.Args != nil {
		return c.Args, nil
	}
	return driver.Args(c.Name)
}

func (c LanguageConfig) env() []string {
	return append(driver.Env(c.Name), c.Env...)
}

func (c LanguageConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("kernel: language name is required")
	}
	if c.Interpreter == "" {
		return fmt.Errorf("kernel: %s interpreter path is required", c.Name)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("kernel: %s readiness timeout must be positive", c.Name)
	}
	if c.Args == nil {
		if _, err := driver.Script(c.Name); err != nil {
			return err
		}
	}
	return nil
}

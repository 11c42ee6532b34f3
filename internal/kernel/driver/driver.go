// Package driver embeds the interpreter-side loop scripts.
//
// Each script prints its readiness marker, then reads protocol frames from
// stdin and answers every EXEC frame with exactly one result span. The
// scripts are passed inline on the interpreter command line, so nothing is
// written to disk.
//
// Auto-display policy differs per language on purpose:
//   - Python: a trailing expression statement is evaluated separately and
//     its repr printed when it is not None (IPython style).
//   - Julia: the value of the last expression is shown with text/plain
//     unless the code ends in a semicolon (Julia REPL style). A Plots.jl
//     plot value is never shown as text.
//
// Figures: an execution carries an image only when it produced one. Python
// saves the open matplotlib figure and closes all figures; Julia saves
// Plots.current() when it differs from the plot current before the
// execution, then closes all plots.
package driver

import (
	_ "embed"
	"fmt"
)

//go:embed python_driver.py
var pythonDriver string

//go:embed julia_driver.jl
var juliaDriver string

// Script returns the loop script for a language.
func Script(language string) (string, error) {
	switch language {
	case "python":
		return pythonDriver, nil
	case "julia":
		return juliaDriver, nil
	default:
		return "", fmt.Errorf("driver: no interpreter loop for language %q", language)
	}
}

// Args returns the interpreter arguments that run the loop script inline.
func Args(language string) ([]string, error) {
	script, err := Script(language)
	if err != nil {
		return nil, err
	}
	switch language {
	case "python":
		// -u keeps protocol lines unbuffered.
		return []string{"-u", "-c", script}, nil
	default:
		return []string{"--startup-file=no", "--quiet", "-e", script}, nil
	}
}

// Env returns extra environment variables for the interpreter.
func Env(language string) []string {
	switch language {
	case "python":
		// Headless figure rendering; figures are captured as PNG by the loop.
		return []string{"MPLBACKEND=Agg", "PYTHONIOENCODING=utf-8"}
	case "julia":
		return []string{"GKSwstype=100"}
	default:
		return nil
	}
}

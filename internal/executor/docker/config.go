package docker

import (
	"time"
)

// Config holds the configuration for running kernels inside containers.
type Config struct {
	// Images maps a language tag to the image its kernel runs in.
	Images map[string]string
	// Commands maps a language tag to the interpreter inside the image.
	Commands map[string]string
	// MemoryLimit is the maximum amount of memory one kernel can use (in bytes).
	MemoryLimit int64
	// CPULimit is the number of CPUs one kernel can use.
	CPULimit float64
	// Network enables container networking. Kernels run offline by default.
	Network bool
	// WorkDir is where the document's directory is mounted in the container.
	WorkDir string
	// PullTimeout bounds the image pulls done at start-up.
	PullTimeout time.Duration
}

// DefaultConfig provides defaults for the Python and Julia kernels.
func DefaultConfig() Config {
	return Config{
		Images: map[string]string{
			"python": "python:3.12-slim",
			"julia":  "julia:1.11",
		},
		Commands: map[string]string{
			"python": "python3",
			"julia":  "julia",
		},
		// 1 GB memory limit; notebooks load data.
		MemoryLimit: 1024 * 1024 * 1024,
		CPULimit:    1,
		WorkDir:     "/work",
		PullTimeout: 5 * time.Minute,
	}
}

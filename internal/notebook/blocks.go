package notebook

import (
	"strings"
)

// fenceLanguages are the code fences that become notebook code cells.
var fenceLanguages = []string{"python", "julia"}

// BlockIndex returns the code-cell index of the fenced block that opens at
// line (0-based) of a markdown document: the number of python or julia
// fences opening strictly above it.
func BlockIndex(markdown string, line int) int {
	index := 0
	for i, l := range strings.Split(markdown, "\n") {
		if i >= line {
			break
		}
		if IsCodeFence(l) {
			index++
		}
	}
	return index
}

// IsCodeFence reports whether line opens a python or julia code block.
func IsCodeFence(line string) bool {
	line = strings.TrimSpace(line)
	for _, lang := range fenceLanguages {
		if strings.HasPrefix(line, "```"+lang) {
			return true
		}
	}
	return false
}

// Package protocol implements the line-oriented wire format spoken between
// kernelhub and an interpreter driver.
//
// Requests (kernelhub → interpreter stdin):
//
//	REQ:<id>             optional correlation header
//	EXEC:<code>          single-line code
//	EXEC:MULTILINE       multi-line code, followed by every code line
//	...                  verbatim, terminated by
//	END_CODE
//	EXIT                 ask the loop to terminate
//
// Responses (interpreter stdout → kernelhub):
//
//	PYTHON_READY         readiness marker, once, before any response
//	###RESULT###
//	{"stdout":"...","stderr":"...","image":"<base64 png>","id":"<id>"}
//	###END###
//
// The package does no I/O. Encode functions return bytes to write and the
// Decoder is fed whatever bytes arrive from the process.
package protocol

import (
	"strings"
)

const (
	ExecPrefix     = "EXEC:"
	MultilineFrame = "EXEC:MULTILINE"
	EndCode        = "END_CODE"
	ExitFrame      = "EXIT"
	RequestPrefix  = "REQ:"

	ResultMarker = "###RESULT###"
	EndMarker    = "###END###"
)

// EncodeRequest frames code for the interpreter loop. Code without a newline
// becomes a single EXEC line; anything else is sent as a MULTILINE block with
// one protocol line per code line.
func EncodeRequest(code string) []byte {
	if !strings.Contains(code, "\n") {
		return []byte(ExecPrefix + code + "\n")
	}

	var b strings.Builder
	b.Grow(len(code) + len(MultilineFrame) + len(EndCode) + 3)
	b.WriteString(MultilineFrame)
	b.WriteByte('\n')
	for _, line := range strings.Split(code, "\n") {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(EndCode)
	b.WriteByte('\n')
	return []byte(b.String())
}

// EncodeRequestWithID prefixes the request frame with a correlation header.
// The driver echoes the id back in the response payload.
func EncodeRequestWithID(id, code string) []byte {
	frame := EncodeRequest(code)
	if id == "" {
		return frame
	}
	out := make([]byte, 0, len(RequestPrefix)+len(id)+1+len(frame))
	out = append(out, RequestPrefix...)
	out = append(out, id...)
	out = append(out, '\n')
	return append(out, frame...)
}

// EncodeExit returns the frame that stops the interpreter loop.
func EncodeExit() []byte {
	return []byte(ExitFrame + "\n")
}

// ReadyMarker returns the line a driver prints once its loop is running,
// e.g. "PYTHON_READY" for "python".
func ReadyMarker(language string) string {
	return strings.ToUpper(language) + "_READY"
}

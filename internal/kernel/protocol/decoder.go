package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Response is one decoded result span.
type Response struct {
	ID     string `json:"id,omitempty"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Image  string `json:"image,omitempty"`
}

// DecodeError reports a span whose payload could not be parsed. The span is
// consumed, so decoding continues with the bytes after it.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: malformed result payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errEmptyPayload = errors.New("empty payload")

// Decoder accumulates raw interpreter output and extracts result spans.
//
// A Decoder is not safe for concurrent use; each process has exactly one
// reader goroutine that owns it.
type Decoder struct {
	buf   []byte
	noise strings.Builder
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write appends bytes read from the process. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not consumed yet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// ScanReady looks for a complete line equal to marker. Every complete line
// before it is moved to the noise buffer; the marker line is consumed.
// Partial trailing lines stay buffered.
func (d *Decoder) ScanReady(marker string) bool {
	for {
		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			return false
		}
		line := strings.TrimRight(string(d.buf[:nl]), "\r")
		d.buf = d.buf[nl+1:]
		if line == marker {
			return true
		}
		d.noise.WriteString(line)
		d.noise.WriteByte('\n')
	}
}

// Next extracts the next complete ###RESULT### ... ###END### span.
//
// ok is false when no complete span is buffered yet; that is not an error.
// When ok is true, either resp is set or err is a *DecodeError for a
// malformed payload.
func (d *Decoder) Next() (resp *Response, ok bool, err error) {
	start := indexMarkerLine(d.buf, ResultMarker, 0)
	if start < 0 {
		return nil, false, nil
	}
	bodyStart := start + len(ResultMarker)
	bodyStart = skipNewline(d.buf, bodyStart)

	end := indexMarkerLine(d.buf, EndMarker, bodyStart)
	if end < 0 {
		return nil, false, nil
	}

	if start > 0 {
		d.noise.Write(d.buf[:start])
	}
	payload := strings.TrimSpace(string(d.buf[bodyStart:end]))
	d.buf = d.buf[skipNewline(d.buf, end+len(EndMarker)):]

	r, perr := parsePayload(payload)
	if perr != nil {
		return nil, true, &DecodeError{Payload: payload, Err: perr}
	}
	return r, true, nil
}

// TakeNoise returns and clears output that appeared outside of any span.
func (d *Decoder) TakeNoise() string {
	s := d.noise.String()
	d.noise.Reset()
	return s
}

// Reset drops all buffered state.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.noise.Reset()
}

func parsePayload(payload string) (*Response, error) {
	if payload == "" {
		return nil, errEmptyPayload
	}
	var r Response
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, err
	}
	if r.Image != "" {
		if _, err := base64.StdEncoding.DecodeString(r.Image); err != nil {
			return nil, fmt.Errorf("image is not base64: %w", err)
		}
	}
	return &r, nil
}

// indexMarkerLine finds marker at the start of a line at or after from. The
// marker line only counts once its line break has arrived.
func indexMarkerLine(buf []byte, marker string, from int) int {
	m := []byte(marker)
	for i := from; i < len(buf); {
		j := bytes.Index(buf[i:], m)
		if j < 0 {
			return -1
		}
		pos := i + j
		atLineStart := pos == 0 || buf[pos-1] == '\n'
		after := pos + len(m)
		complete := after < len(buf) && (buf[after] == '\n' || buf[after] == '\r')
		if atLineStart && complete {
			return pos
		}
		i = pos + 1
	}
	return -1
}

func skipNewline(buf []byte, i int) int {
	if i < len(buf) && buf[i] == '\r' {
		i++
	}
	if i < len(buf) && buf[i] == '\n' {
		i++
	}
	return i
}

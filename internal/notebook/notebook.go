// Package notebook reads and edits .ipynb documents and merges kernel results
// into their code cells.
//
// Only the fields kernelhub touches are typed. Every other field of the
// notebook, its cells and its outputs is kept as raw JSON so documents
// written by Jupyter or jupytext round-trip unchanged.
package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Cell types.
const (
	CellCode     = "code"
	CellMarkdown = "markdown"
	CellRaw      = "raw"
)

// Output types.
const (
	OutputStream        = "stream"
	OutputExecuteResult = "execute_result"
	OutputDisplayData   = "display_data"
	OutputError         = "error"
)

const (
	mimeText = "text/plain"
	mimePNG  = "image/png"

	// executingKey is the cell metadata flag an editor sets while a cell runs.
	executingKey = "executing"
)

// MultilineString is an nbformat text field: either one string or a list of
// lines that are joined verbatim.
type MultilineString string

func (m *MultilineString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = ""
		return nil
	}
	if data[0] == '[' {
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*m = MultilineString(strings.Join(parts, ""))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*m = MultilineString(s)
	return nil
}

// String returns the joined text.
func (m MultilineString) String() string {
	return string(m)
}

// Notebook is a decoded .ipynb document.
type Notebook struct {
	Cells []*Cell

	fields map[string]json.RawMessage
}

// Parse decodes a notebook.
func Parse(data []byte) (*Notebook, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("notebook: decoding document: %w", err)
	}
	raw, ok := fields["cells"]
	if !ok {
		return nil, fmt.Errorf("notebook: document has no cells")
	}

	nb := &Notebook{fields: fields}
	if err := json.Unmarshal(raw, &nb.Cells); err != nil {
		return nil, fmt.Errorf("notebook: decoding cells: %w", err)
	}
	return nb, nil
}

// Encode renders the notebook with two-space indentation and a trailing
// newline.
func (nb *Notebook) Encode() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(nb.fields)+1)
	for k, v := range nb.fields {
		out[k] = v
	}
	cells := nb.Cells
	if cells == nil {
		cells = []*Cell{}
	}
	raw, err := json.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("notebook: encoding cells: %w", err)
	}
	out["cells"] = raw

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("notebook: encoding document: %w", err)
	}
	return append(data, '\n'), nil
}

// CodeCells returns the code cells in document order.
func (nb *Notebook) CodeCells() []*Cell {
	var out []*Cell
	for _, c := range nb.Cells {
		if c.Type == CellCode {
			out = append(out, c)
		}
	}
	return out
}

// CodeCell returns the index-th code cell, counting only code cells.
func (nb *Notebook) CodeCell(index int) (*Cell, error) {
	cells := nb.CodeCells()
	if index < 0 || index >= len(cells) {
		return nil, fmt.Errorf("%w: code cell %d (notebook has %d)", ErrCellNotFound, index, len(cells))
	}
	return cells[index], nil
}

// Cell is one notebook cell.
type Cell struct {
	Type           string
	Source         MultilineString
	ExecutionCount *int
	Outputs        []*Output

	metadata map[string]json.RawMessage
	fields   map[string]json.RawMessage
	// source as read, so an untouched list-of-lines source keeps its shape.
	origSource MultilineString
}

func (c *Cell) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	c.fields = fields

	if raw, ok := fields["cell_type"]; ok {
		if err := json.Unmarshal(raw, &c.Type); err != nil {
			return fmt.Errorf("cell_type: %w", err)
		}
	}
	if raw, ok := fields["source"]; ok {
		if err := json.Unmarshal(raw, &c.Source); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		c.origSource = c.Source
	}
	if raw, ok := fields["execution_count"]; ok {
		if err := json.Unmarshal(raw, &c.ExecutionCount); err != nil {
			return fmt.Errorf("execution_count: %w", err)
		}
	}
	if raw, ok := fields["outputs"]; ok {
		if err := json.Unmarshal(raw, &c.Outputs); err != nil {
			return fmt.Errorf("outputs: %w", err)
		}
	}
	if raw, ok := fields["metadata"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &c.metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	return nil
}

func (c *Cell) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.fields)+5)
	for k, v := range c.fields {
		out[k] = v
	}
	out["cell_type"] = c.Type
	if raw, ok := c.fields["source"]; ok && c.Source == c.origSource {
		out["source"] = raw
	} else {
		out["source"] = string(c.Source)
	}

	metadata := c.metadata
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	out["metadata"] = metadata

	if c.Type == CellCode {
		out["execution_count"] = c.ExecutionCount
		outputs := c.Outputs
		if outputs == nil {
			outputs = []*Output{}
		}
		out["outputs"] = outputs
	}
	return json.Marshal(out)
}

// Executing reports whether the editor flagged the cell as running.
func (c *Cell) Executing() bool {
	raw, ok := c.metadata[executingKey]
	if !ok {
		return false
	}
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}

// SetExecuting sets or clears the running flag.
func (c *Cell) SetExecuting(on bool) {
	if !on {
		delete(c.metadata, executingKey)
		return
	}
	if c.metadata == nil {
		c.metadata = make(map[string]json.RawMessage)
	}
	c.metadata[executingKey] = json.RawMessage("true")
}

// Output is one entry of a code cell's output list.
type Output struct {
	Type string
	// Name is "stdout" or "stderr" for stream outputs.
	Name string
	Text MultilineString
	// Data maps MIME types to their payload for execute_result and
	// display_data outputs.
	Data map[string]MultilineString

	// raw holds the original encoding of outputs read from disk.
	raw json.RawMessage
}

type outputJSON struct {
	Type     string                     `json:"output_type"`
	Name     string                     `json:"name,omitempty"`
	Text     *MultilineString           `json:"text,omitempty"`
	Data     map[string]json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any             `json:"metadata,omitempty"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var v outputJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Type = v.Type
	o.Name = v.Name
	if v.Text != nil {
		o.Text = *v.Text
	}
	for mime, raw := range v.Data {
		var text MultilineString
		// Non-text payloads (e.g. application/json) are only kept raw.
		if err := json.Unmarshal(raw, &text); err != nil {
			continue
		}
		if o.Data == nil {
			o.Data = make(map[string]MultilineString)
		}
		o.Data[mime] = text
	}
	o.raw = append(json.RawMessage(nil), data...)
	return nil
}

func (o *Output) MarshalJSON() ([]byte, error) {
	if o.raw != nil {
		return o.raw, nil
	}

	switch o.Type {
	case OutputStream:
		return json.Marshal(struct {
			Type string `json:"output_type"`
			Name string `json:"name"`
			Text string `json:"text"`
		}{o.Type, o.Name, string(o.Text)})
	case OutputDisplayData, OutputExecuteResult:
		data := make(map[string]string, len(o.Data))
		for mime, v := range o.Data {
			data[mime] = string(v)
		}
		return json.Marshal(struct {
			Type     string            `json:"output_type"`
			Data     map[string]string `json:"data"`
			Metadata map[string]any    `json:"metadata"`
		}{o.Type, data, map[string]any{}})
	default:
		return json.Marshal(struct {
			Type string `json:"output_type"`
		}{o.Type})
	}
}

// StreamOutput builds a stream entry for stdout or stderr.
func StreamOutput(name, text string) *Output {
	return &Output{Type: OutputStream, Name: name, Text: MultilineString(text)}
}

// ImageOutput builds a display_data entry holding a base64 PNG.
func ImageOutput(pngBase64 string) *Output {
	return &Output{
		Type: OutputDisplayData,
		Data: map[string]MultilineString{mimePNG: MultilineString(pngBase64)},
	}
}

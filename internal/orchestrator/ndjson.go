package orchestrator

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// ContentType is the media type of an event stream.
const ContentType = "application/x-ndjson"

// Encoder writes events as newline-delimited JSON, flushing after each
// line when the writer supports it.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one event line.
func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	switch f := e.w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// maxLine bounds a single event line.
const maxLine = 4 << 20

// Decoder reads newline-delimited events. A line split across reads is
// buffered until its newline arrives; a final line without a newline is
// decoded at EOF. Blank lines are skipped.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.readLine()
		if len(bytes.TrimSpace(line)) > 0 {
			var ev Event
			if jerr := json.Unmarshal(line, &ev); jerr != nil {
				return Event{}, fmt.Errorf("decode event line: %w", jerr)
			}
			return ev, nil
		}
		if err != nil {
			return Event{}, err
		}
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return nil, errors.New("event line too long")
		}
		if err != nil || !isPrefix {
			return buf, err
		}
	}
}

// Events ranges over the remaining events. Iteration stops after the
// first error, which is yielded; a clean EOF ends it silently.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

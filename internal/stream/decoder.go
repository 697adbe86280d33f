// Package stream decodes the pipeline's line-framed event stream into typed domain events.
package stream

import (
	"bytes"
	"strings"
)

// Frame is one decoded record of the wire protocol.
type Frame struct {
	Event   string
	Payload string
}

// DefaultEvent names records that carry no event field.
const DefaultEvent = "message"

const (
	fieldEvent = "event"
	fieldData  = "data"
)

// Decoder turns successive byte chunks into frames. Bytes that do not complete a line are retained and
// prefixed to the next chunk, so a chunk may end anywhere, including inside a field name or between
// the '\r' and '\n' of a line ending. The zero value is ready to use. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	rest []byte

	event   string
	data    []string
	hasData bool
}

// Feed consumes chunk and returns the frames it completed.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.rest = append(d.rest, chunk...)

	var frames []Frame
	start := 0
	for {
		i := bytes.IndexByte(d.rest[start:], '\n')
		if i < 0 {
			break
		}
		line := d.rest[start : start+i]
		start += i + 1

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if f, ok := d.line(string(line)); ok {
			frames = append(frames, f)
		}
	}

	// Compact so the retained remainder does not pin every chunk seen so far.
	n := copy(d.rest, d.rest[start:])
	d.rest = d.rest[:n]

	return frames
}

// End flushes a trailing record that was never terminated by a blank line. It is called once the
// underlying stream reached EOF.
func (d *Decoder) End() []Frame {
	var frames []Frame
	if len(d.rest) > 0 {
		line := strings.TrimSuffix(string(d.rest), "\r")
		d.rest = d.rest[:0]
		if f, ok := d.line(line); ok {
			frames = append(frames, f)
		}
	}
	if f, ok := d.line(""); ok {
		frames = append(frames, f)
	}
	return frames
}

// Reset discards any buffered state.
func (d *Decoder) Reset() {
	d.rest = d.rest[:0]
	d.reset()
}

func (d *Decoder) line(line string) (Frame, bool) {
	if line == "" {
		return d.dispatch()
	}

	name, value, found := strings.Cut(line, ":")
	if !found {
		// A line without a colon is a field name with an empty value.
		name, value = line, ""
	}
	value = strings.TrimPrefix(value, " ")

	switch name {
	case fieldEvent:
		d.event = value
	case fieldData:
		d.data = append(d.data, value)
		d.hasData = true
	}
	// Comments (empty name) and unknown fields are ignored.
	return Frame{}, false
}

func (d *Decoder) dispatch() (Frame, bool) {
	defer d.reset()

	if !d.hasData && d.event == "" {
		return Frame{}, false
	}

	event := d.event
	if event == "" {
		event = DefaultEvent
	}
	return Frame{
		Event:   event,
		Payload: strings.Join(d.data, "\n"),
	}, true
}

func (d *Decoder) reset() {
	d.event = ""
	d.data = d.data[:0]
	d.hasData = false
}

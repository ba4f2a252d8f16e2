// Package stream decodes the agent's newline-delimited JSON event stream
// into a pull-based sequence of events.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"
)

// Decoder reads events one line at a time. Records may span any number of
// underlying reads; the buffered reader keeps the partial tail until its
// terminating newline arrives.
type Decoder struct {
	reader    *bufio.Reader
	log       *zap.SugaredLogger
	malformed int
	lines     int
	done      bool
}

func NewDecoder(r io.Reader, log *zap.SugaredLogger) *Decoder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Decoder{reader: bufio.NewReader(r), log: log}
}

// Next returns the next event in arrival order. It returns io.EOF once the
// stream is exhausted and any other error when the underlying read fails.
// Blank and malformed lines never surface here.
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done {
			return Event{}, io.EOF
		}

		line, err := d.reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.done = true
				return Event{}, err
			}
			d.done = true
			// last line without a trailing newline
			if len(bytes.TrimSpace(line)) == 0 {
				return Event{}, io.EOF
			}
		}

		ev, ok := d.decodeLine(line)
		if ok {
			return ev, nil
		}
	}
}

func (d *Decoder) decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	d.lines++

	if !json.Valid(line) {
		d.malformed++
		d.log.Warnw("skipping malformed stream line", "line", d.lines, "text", truncate(line, 200))
		return Event{}, false
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		d.log.Debugw("skipping non-event stream record", "line", d.lines, "error", err)
		return Event{}, false
	}
	return ev, true
}

// Malformed reports how many lines failed to parse so far.
func (d *Decoder) Malformed() int {
	return d.malformed
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Segment is one typed piece of rich-text content.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Content is either plain text or an ordered list of segments. The zero
// value is empty plain text.
type Content struct {
	text     string
	segments []Segment
}

func Text(s string) Content {
	return Content{text: s}
}

func Segments(segs ...Segment) Content {
	if segs == nil {
		segs = []Segment{}
	}
	return Content{segments: segs}
}

func (c Content) IsSegments() bool {
	return c.segments != nil
}

func (c Content) Segments() []Segment {
	return c.segments
}

// String flattens the content to text.
func (c Content) String() string {
	if c.segments == nil {
		return c.text
	}
	var sb strings.Builder
	for _, s := range c.segments {
		sb.WriteString(s.Text)
	}
	return sb.String()
}

// Append adds a text delta. Segment content grows its last text segment,
// or gains a new one when it has none.
func (c Content) Append(delta string) Content {
	if c.segments == nil {
		return Content{text: c.text + delta}
	}
	segs := make([]Segment, len(c.segments), len(c.segments)+1)
	copy(segs, c.segments)
	if n := len(segs); n > 0 && segs[n-1].Type == "text" {
		segs[n-1].Text += delta
	} else {
		segs = append(segs, Segment{Type: "text", Text: delta})
	}
	return Content{segments: segs}
}

func (c Content) Clone() Content {
	if c.segments == nil {
		return c
	}
	segs := make([]Segment, len(c.segments))
	copy(segs, c.segments)
	return Content{segments: segs}
}

func (c Content) Equal(o Content) bool {
	if (c.segments == nil) != (o.segments == nil) {
		return false
	}
	if c.segments == nil {
		return c.text == o.text
	}
	if len(c.segments) != len(o.segments) {
		return false
	}
	for i := range c.segments {
		if c.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.segments != nil {
		return json.Marshal(c.segments)
	}
	return json.Marshal(c.text)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = Content{}
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{text: s}
	case data[0] == '[':
		var segs []Segment
		if err := json.Unmarshal(data, &segs); err != nil {
			return err
		}
		*c = Segments(segs...)
	default:
		return fmt.Errorf("content must be a string or a list of segments, got %s", data)
	}
	return nil
}

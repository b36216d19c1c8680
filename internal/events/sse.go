package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	FrameUnknown   = "unknown_event"
	FrameError     = "error"
	FrameConnected = "connected"
)

// Frame is one server-sent event ready to be written to a connection.
type Frame struct {
	Event string
	Data  []byte
}

// Bytes renders the frame as "event: <type>\ndata: <json>\n\n". Data with
// line breaks gets one data field per line, which clients join back with "\n".
func (f Frame) Bytes() []byte {
	var b strings.Builder
	b.Grow(len(f.Event) + len(f.Data) + 16)
	b.WriteString("event: ")
	b.WriteString(f.Event)
	b.WriteByte('\n')
	data := strings.ReplaceAll(string(f.Data), "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

func (f Frame) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(f.Bytes())
	return int64(n), err
}

// FrameFor turns a decoded event into its SSE frame. Recognised kinds carry
// their payload; raw events carry the message as received, compacted onto a
// single line.
func FrameFor(ev Event) (Frame, error) {
	if raw, ok := ev.(RawEvent); ok {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw.Data); err != nil {
			return Frame{Event: FrameUnknown, Data: raw.Data}, nil
		}
		return Frame{Event: FrameUnknown, Data: buf.Bytes()}, nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s frame: %w", ev.FrameType(), err)
	}
	return Frame{Event: ev.FrameType(), Data: data}, nil
}

// ErrorFrame reports a broker message that could not be parsed.
func ErrorFrame(channel string) Frame {
	data, _ := json.Marshal(map[string]string{
		"error":   "malformed event payload",
		"channel": channel,
	})
	return Frame{Event: FrameError, Data: data}
}

// ConnectedFrame is written once when a connection subscribes.
func ConnectedFrame(channel string) Frame {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return Frame{Event: FrameConnected, Data: data}
}

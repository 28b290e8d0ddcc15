// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// MaxFrameSize is the largest SSE line accepted (1MB).
const MaxFrameSize = 1024 * 1024

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &SSEReader{scanner: sc}
}

// ReadEvent reads the next SSE frame and returns its event field and data.
// Multiple data lines are joined with newlines. Returns io.EOF when the
// stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		// Empty line ends the frame
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			eventType = ""
			continue
		}

		field, value := splitField(line)
		switch field {
		case "event":
			eventType = string(value)
		case "data":
			dataLines = append(dataLines, append([]byte(nil), value...))
		}
		// id:, retry: and ":" comments are ignored
	}

	if err := s.scanner.Err(); err != nil {
		return "", nil, err
	}
	if len(dataLines) > 0 {
		return eventType, bytes.Join(dataLines, []byte("\n")), nil
	}
	return "", nil, io.EOF
}

// Next reads and decodes the next event. Frames whose payload cannot be
// decoded are returned as errors so the caller can decide to skip them.
func (s *SSEReader) Next() (Event, error) {
	eventType, data, err := s.ReadEvent()
	if err != nil {
		return Event{}, err
	}
	return Decode(eventType, data)
}

func splitField(line []byte) (string, []byte) {
	if line[0] == ':' {
		return "", nil
	}
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return string(line), nil
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return string(line[:i]), value
}

// =============================================================================
// SSE WRITER
// =============================================================================

// WriteEvent writes ev as one SSE frame.
func WriteEvent(w io.Writer, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Kind, err)
	}
	return nil
}

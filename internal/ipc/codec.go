package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameBytes bounds a single wire frame. Payloads are session-sized, not
// bulk data; anything larger indicates a protocol bug.
const maxFrameBytes = 8 * 1024 * 1024

// Encoder writes newline-delimited JSON messages. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w in a message encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message frame and flushes.
func (e *Encoder) Encode(msg Message) error {
	if !msg.Name.Valid() {
		return fmt.Errorf("refusing to encode unknown message name %q", msg.Name)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(raw); err != nil {
		return fmt.Errorf("write message %s: %w", msg.Name, err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write frame delimiter: %w", err)
	}
	return e.w.Flush()
}

// Decoder reads newline-delimited JSON messages.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a message decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message frame. Returns io.EOF when the stream ends.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decode frame: %w", err)
		}
		if !msg.Name.Valid() {
			return Message{}, fmt.Errorf("unknown message name %q", msg.Name)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

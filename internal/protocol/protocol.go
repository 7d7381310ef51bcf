// Package protocol defines the envelope and framing used on both sides of a
// worker transport. Frames are length-prefixed JSON; every connection delivers
// messages in the order they were sent.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types.
const (
	// TypeHello is the first frame on a socket connection. It names the
	// entry point the guest should bind.
	TypeHello = "hello"

	// TypeRequest carries one input payload from caller to worker.
	TypeRequest = "request"

	// TypeResult carries the output for the request with the same ID.
	TypeResult = "result"

	// TypeFailure reports that the request with the same ID produced no
	// output. Error holds the reason.
	TypeFailure = "failure"
)

// Message is the envelope for every frame exchanged with a worker.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Locator string          `json:"locator,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Request builds a request message for the given ID and encoded input.
func Request(id string, payload json.RawMessage) Message {
	return Message{Type: TypeRequest, ID: id, Payload: payload}
}

// Result builds a result message answering the request with the given ID.
func Result(id string, payload json.RawMessage) Message {
	return Message{Type: TypeResult, ID: id, Payload: payload}
}

// Failure builds a failure message answering the request with the given ID.
func Failure(id, reason string) Message {
	return Message{Type: TypeFailure, ID: id, Error: reason}
}

// Hello builds the handshake frame naming an entry point.
func Hello(locator string) Message {
	return Message{Type: TypeHello, Locator: locator}
}

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool {
	return m.Type == TypeResult || m.Type == TypeFailure
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Prefix and payload go out in one write so concurrent readers on a
	// stream never observe a split frame header.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

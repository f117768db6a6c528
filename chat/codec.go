package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// max frame bytes kept in a DecodeError.
const decodeErrorFrameLimit = 100

// DecodeError reports an inbound frame that is not a valid message.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chat: decode frame `%s`: %v", e.Frame, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeMessage serializes m as one JSON text frame.
func EncodeMessage(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("chat: nil message")
	}
	return json.Marshal(m)
}

// DecodeMessage parses one JSON object. Unknown fields are ignored.
func DecodeMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, newDecodeError(data, errors.New("not a JSON object"))
	}

	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, newDecodeError(data, err)
	}
	return &m, nil
}

func newDecodeError(data []byte, err error) *DecodeError {
	frame := string(data)
	if len(frame) > decodeErrorFrameLimit {
		frame = frame[:decodeErrorFrameLimit] + " ..."
	}
	return &DecodeError{Frame: frame, Err: err}
}

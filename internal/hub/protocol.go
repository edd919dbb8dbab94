package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// recordSeparator terminates every JSON record on the wire.
const recordSeparator byte = 0x1E

// MessageType is the type discriminator of a hub protocol record.
type MessageType int

const (
	TypeInvocation       MessageType = 1
	TypeStreamItem       MessageType = 2
	TypeCompletion       MessageType = 3
	TypeStreamInvocation MessageType = 4
	TypeCancelInvocation MessageType = 5
	TypePing             MessageType = 6
	TypeClose            MessageType = 7
)

var typeNames = [...]string{
	TypeInvocation:       "invocation",
	TypeStreamItem:       "stream_item",
	TypeCompletion:       "completion",
	TypeStreamInvocation: "stream_invocation",
	TypeCancelInvocation: "cancel_invocation",
	TypePing:             "ping",
	TypeClose:            "close",
}

func (t MessageType) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// record is the union of all inbound record shapes.
type record struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

type invocation struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId,omitempty"`
	Target       string      `json:"target"`
	Arguments    []any       `json:"arguments"`
}

type ping struct {
	Type MessageType `json:"type"`
}

var handshake = handshakeRequest{Protocol: "json", Version: 1}

func encodeRecord(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, recordSeparator), nil
}

func encodeInvocation(id, target string, args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return encodeRecord(invocation{
		Type:         TypeInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    args,
	})
}

func decodeRecord(data []byte) (*record, error) {
	var r record
	if err := sonic.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &r, nil
}

func decodeHandshake(data []byte) error {
	var resp handshakeResponse
	if err := sonic.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	return nil
}

// splitter reassembles records that may span or share websocket frames.
type splitter struct {
	pending []byte
}

// feed appends a frame and returns every complete record in order. The returned slices
// are owned by the caller.
func (s *splitter) feed(frame []byte) [][]byte {
	s.pending = append(s.pending, frame...)

	var records [][]byte
	for {
		idx := bytes.IndexByte(s.pending, recordSeparator)
		if idx < 0 {
			break
		}
		if idx > 0 {
			rec := make([]byte, idx)
			copy(rec, s.pending[:idx])
			records = append(records, rec)
		}
		s.pending = s.pending[idx+1:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return records
}

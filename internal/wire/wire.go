// Package wire defines the JSON frames exchanged between a client connection and the
// server endpoint.
//
// Every websocket message is one Frame. Data frames carry a Message: a request
// ({"r":id,"a":action,"b":body}), the response to one ({"r":id,"b":{"s":status,"d":data}}),
// or a server push ({"a":action,"b":{"p":path,"d":data,"t":tag}}). Control frames carry
// connection level messages such as the handshake.
package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Frame types
const (
	FrameData    = "d"
	FrameControl = "c"
)

// Request actions
const (
	ActionListen             = "q"
	ActionUnlisten           = "n"
	ActionPut                = "p"
	ActionMerge              = "m"
	ActionOnDisconnectPut    = "o"
	ActionOnDisconnectMerge  = "om"
	ActionOnDisconnectCancel = "oc"
)

// Push actions
const (
	PushData  = "d"
	PushMerge = "m"
)

// ControlHandshake is the first frame the server sends on a new connection
const ControlHandshake = "h"

// Statuses carried in responses
const (
	StatusOK               = "ok"
	StatusDataStale        = "datastale"
	StatusPermissionDenied = "permission_denied"
	StatusInvalid          = "invalid"
	StatusDisconnect       = "disconnect"
	// StatusTooManyRequests rejects a write over the subject's write budget
	StatusTooManyRequests = "too_many_requests"
)

type Frame struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

type Message struct {
	ID     int64           `json:"r,omitempty"`
	Action string          `json:"a,omitempty"`
	Body   json.RawMessage `json:"b,omitempty"`
}

// IsResponse reports whether m answers a request
func (m Message) IsResponse() bool { return m.ID != 0 && m.Action == "" }

// RequestBody is the payload of a client request. Unused fields are omitted.
type RequestBody struct {
	Path  string         `json:"p"`
	Data  any            `json:"d,omitempty"`
	Hash  *string        `json:"h,omitempty"`
	Query map[string]any `json:"q,omitempty"`
	Tag   *int64         `json:"t,omitempty"`
}

type ResponseBody struct {
	Status string `json:"s"`
	Data   any    `json:"d,omitempty"`
}

type PushBody struct {
	Path string `json:"p"`
	Data any    `json:"d"`
	Tag  *int64 `json:"t,omitempty"`
}

type Control struct {
	Type string          `json:"t"`
	Data json.RawMessage `json:"d"`
}

// Handshake tells the client the server clock and its session id
type Handshake struct {
	Timestamp int64  `json:"ts"`
	SessionID string `json:"s"`
}

// NewRequest encodes a request frame
func NewRequest(id int64, action string, body RequestBody) ([]byte, error) {
	return encodeMessage(Message{ID: id, Action: action}, body)
}

// NewResponse encodes the response to request id
func NewResponse(id int64, body ResponseBody) ([]byte, error) {
	return encodeMessage(Message{ID: id}, body)
}

// NewPush encodes a server push
func NewPush(action string, body PushBody) ([]byte, error) {
	return encodeMessage(Message{Action: action}, body)
}

// NewHandshake encodes the handshake control frame
func NewHandshake(h Handshake) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	c, err := json.Marshal(Control{Type: ControlHandshake, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode control: %w", err)
	}
	return json.Marshal(Frame{Type: FrameControl, Data: c})
}

func encodeMessage(m Message, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	m.Body = b
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return json.Marshal(Frame{Type: FrameData, Data: data})
}

// Decode parses one frame
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type != FrameData && f.Type != FrameControl {
		return Frame{}, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
	return f, nil
}

// Message returns the payload of a data frame
func (f Frame) Message() (Message, error) {
	if f.Type != FrameData {
		return Message{}, fmt.Errorf("frame type %q is not a data frame", f.Type)
	}
	var m Message
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// Control returns the payload of a control frame
func (f Frame) Control() (Control, error) {
	if f.Type != FrameControl {
		return Control{}, fmt.Errorf("frame type %q is not a control frame", f.Type)
	}
	var c Control
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return Control{}, fmt.Errorf("decode control: %w", err)
	}
	return c, nil
}

// Handshake decodes a handshake control message
func (c Control) Handshake() (Handshake, error) {
	if c.Type != ControlHandshake {
		return Handshake{}, fmt.Errorf("control type %q is not a handshake", c.Type)
	}
	var h Handshake
	if err := json.Unmarshal(c.Data, &h); err != nil {
		return Handshake{}, fmt.Errorf("decode handshake: %w", err)
	}
	return h, nil
}

func (m Message) Request() (RequestBody, error) {
	var b RequestBody
	err := decodeBody(m.Body, &b)
	return b, err
}

func (m Message) Response() (ResponseBody, error) {
	var b ResponseBody
	err := decodeBody(m.Body, &b)
	return b, err
}

func (m Message) Push() (PushBody, error) {
	var b PushBody
	err := decodeBody(m.Body, &b)
	return b, err
}

func decodeBody(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("decode body: empty")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

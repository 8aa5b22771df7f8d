// Package wire defines the frame protocol spoken between the gateway hub
// and its service clients: newline-delimited JSON frames with a "kind"
// discriminator, carried over a persistent bidirectional transport.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is bumped when frame semantics change.
const ProtocolVersion = 1

// Kind discriminates the four frame shapes on the wire.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
	KindRegister Kind = "register"
)

// Request asks the hub to route a method call to whichever service
// registered the method. IDs are unique per connection.
type Request struct {
	ID        string          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// Timeout returns the per-request deadline override, or zero when the
// caller accepted the hub default.
func (r *Request) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event is a fire-and-forget broadcast to every subscriber of Name.
type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Register is the first frame a service client sends on every (re)connect.
// It declares the methods the client handles, the events it emits, and the
// events it wants delivered.
type Register struct {
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// frame is the flat wire envelope. Field sets for the four kinds overlap
// only on ID, so a single struct round-trips all of them.
type frame struct {
	Kind Kind `json:"kind"`

	// request / response
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`

	// event
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// register
	Service       string   `json:"service,omitempty"`
	Version       string   `json:"version,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// Encode serializes one of *Request, *Response, *Event, *Register into a
// newline-terminated JSON frame.
func Encode(v any) ([]byte, error) {
	var f frame
	switch t := v.(type) {
	case *Request:
		f = frame{Kind: KindRequest, ID: t.ID, Method: t.Method, Params: t.Params, TimeoutMs: t.TimeoutMs}
	case *Response:
		f = frame{Kind: KindResponse, ID: t.ID, Result: t.Result, Error: t.Error}
	case *Event:
		f = frame{Kind: KindEvent, Name: t.Name, Payload: t.Payload}
	case *Register:
		f = frame{Kind: KindRegister, Service: t.Service, Version: t.Version, Methods: t.Methods, Events: t.Events, Subscriptions: t.Subscriptions}
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", v)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return append(b, '\n'), nil
}

// Decoded holds one parsed frame; exactly one typed field is non-nil.
type Decoded struct {
	Kind     Kind
	Request  *Request
	Response *Response
	Event    *Event
	Register *Register
}

// Decode parses a single frame. Trailing newlines are tolerated.
func Decode(data []byte) (*Decoded, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: parse frame: %w", err)
	}
	d := &Decoded{Kind: f.Kind}
	switch f.Kind {
	case KindRequest:
		if f.ID == "" || f.Method == "" {
			return nil, fmt.Errorf("wire: request frame missing id or method")
		}
		d.Request = &Request{ID: f.ID, Method: f.Method, Params: f.Params, TimeoutMs: f.TimeoutMs}
	case KindResponse:
		if f.ID == "" {
			return nil, fmt.Errorf("wire: response frame missing id")
		}
		d.Response = &Response{ID: f.ID, Result: f.Result, Error: f.Error}
	case KindEvent:
		if f.Name == "" {
			return nil, fmt.Errorf("wire: event frame missing name")
		}
		d.Event = &Event{Name: f.Name, Payload: f.Payload}
	case KindRegister:
		if f.Service == "" {
			return nil, fmt.Errorf("wire: register frame missing service")
		}
		d.Register = &Register{Service: f.Service, Version: f.Version, Methods: f.Methods, Events: f.Events, Subscriptions: f.Subscriptions}
	default:
		return nil, fmt.Errorf("wire: unknown frame kind %q", f.Kind)
	}
	return d, nil
}

// NewRequest builds a Request, marshaling params. A zero timeout defers to
// the hub default.
func NewRequest(id, method string, params any, timeout time.Duration) (*Request, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal params for %s: %w", method, err)
	}
	req := &Request{ID: id, Method: method, Params: raw}
	if timeout > 0 {
		req.TimeoutMs = timeout.Milliseconds()
	}
	return req, nil
}

// NewResponse builds a success Response, marshaling result.
func NewResponse(id string, result any) (*Response, error) {
	raw, err := marshalRaw(result)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error Response, classifying err via AsError.
func NewErrorResponse(id string, err error) *Response {
	return &Response{ID: id, Error: AsError(err)}
}

// NewEvent builds an Event, marshaling payload. Marshal failures are
// programming errors on the emitting side and yield an empty payload.
func NewEvent(name string, payload any) *Event {
	raw, err := marshalRaw(payload)
	if err != nil {
		raw = nil
	}
	return &Event{Name: name, Payload: raw}
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Package message defines the envelopes exchanged between services over the channel layer.
//
// Every message is an Envelope. Its Payload is a JSON-RPC 2.0 object and its shape decides
// what the receiving connection does with it:
//
//	method set  → a call (a request when ID is set, a push when it is not)
//	result set  → a successful response to a pending request
//	error set   → a failed response to a pending request
package message

import (
	"encoding/json"
)

const (
	// TypeInternalJSONRPC is the envelope type of every internal call and response.
	TypeInternalJSONRPC = "internal_json_rpc"

	// JSONRPCVersion is the only JSON-RPC version spoken between services.
	JSONRPCVersion = "2.0"

	// CallerParam is the implicit parameter identifying the calling service.
	CallerParam = "service"
)

// Envelope wraps a payload with routing information.
//
//   - Service: name of the service that produced the message.
//   - Channel: reply channel of the caller; only set on requests that expect an answer.
type Envelope struct {
	Type    string   `json:"type" msgpack:"type"`
	Service string   `json:"service" msgpack:"service"`
	Channel string   `json:"channel,omitempty" msgpack:"channel,omitempty"`
	Payload *Payload `json:"payload" msgpack:"payload"`
}

// Payload is a JSON-RPC 2.0 request or response object.
type Payload struct {
	JSONRPC string          `json:"jsonrpc" msgpack:"jsonrpc"`
	Method  string          `json:"method,omitempty" msgpack:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty" msgpack:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty" msgpack:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty" msgpack:"error,omitempty"`
	ID      *uint64         `json:"id,omitempty" msgpack:"id,omitempty"`
}

// IsResult reports whether the payload is a successful response.
func (p *Payload) IsResult() bool {
	return p.Error == nil && p.Result != nil
}

// IsError reports whether the payload is a failed response.
func (p *Payload) IsError() bool {
	return p.Error != nil
}

// IsCall reports whether the payload asks for a method to be executed.
func (p *Payload) IsCall() bool {
	return p.Error == nil && p.Result == nil && p.Method != ""
}

// ExpectsReply reports whether a call carries a correlation id.
func (p *Payload) ExpectsReply() bool {
	return p.ID != nil
}

// ErrorInfo is the error object carried in a failed response.
// There is no numeric code: callers only ever see the message and optional data.
type ErrorInfo struct {
	Message string          `json:"message" msgpack:"message"`
	Data    json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty"`
}

func (e *ErrorInfo) Error() string {
	return e.Message
}

// Type returns the "type" field of Data, empty when Data has none.
func (e *ErrorInfo) Type() string {
	if len(e.Data) == 0 {
		return ""
	}

	data := struct {
		Type string `json:"type"`
	}{}
	if json.Unmarshal(e.Data, &data) != nil {
		return ""
	}
	return data.Type
}

// NewRequest builds the envelope of a call. A nil id produces a push.
func NewRequest(caller, replyChannel, method string, params json.RawMessage, id *uint64) *Envelope {
	env := &Envelope{
		Type:    TypeInternalJSONRPC,
		Service: caller,
		Payload: &Payload{
			JSONRPC: JSONRPCVersion,
			Method:  method,
			Params:  params,
			ID:      id,
		},
	}
	if id != nil {
		env.Channel = replyChannel
	}
	return env
}

// NewResponse builds the envelope answering the call with the given id.
func NewResponse(replier string, id *uint64, result *Result) *Envelope {
	payload := &Payload{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if result.Error != nil {
		payload.Error = result.Error
	} else {
		payload.Result = result.Value
		if payload.Result == nil {
			payload.Result = json.RawMessage("null")
		}
	}
	return &Envelope{
		Type:    TypeInternalJSONRPC,
		Service: replier,
		Payload: payload,
	}
}

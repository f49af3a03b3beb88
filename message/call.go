package message

import (
	"encoding/json"

	"github.com/nuclio/errors"
)

// Params are the named arguments of a call.
type Params map[string]any

// Encode serializes params, setting the implicit caller parameter.
// The receiver is left untouched.
func (p Params) Encode(caller string) (json.RawMessage, error) {
	params := make(map[string]any, len(p)+1)
	for key, value := range p {
		params[key] = value
	}
	if caller != "" {
		params[CallerParam] = caller
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to encode params")
	}
	return encoded, nil
}

// Call is a method invocation as seen by the callee.
type Call struct {
	Caller string          // Service that issued the call
	Method string          // Registered method name
	Params json.RawMessage // JSON object, includes the "service" param
	ID     *uint64         // Nil for pushes
}

// Bind decodes the call params into v.
func (c *Call) Bind(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return errors.Wrapf(err, "Failed to decode params of %s", c.Method)
	}
	return nil
}

// Result is the outcome of dispatching a call: either a value or an error, never both.
type Result struct {
	Value json.RawMessage
	Error *ErrorInfo
}

// OK wraps an encoded value.
func OK(value json.RawMessage) *Result {
	return &Result{Value: value}
}

// Fail builds an error result with the given message.
func Fail(message string) *Result {
	return &Result{Error: &ErrorInfo{Message: message}}
}

// Failed reports whether the result carries an error.
func (r *Result) Failed() bool {
	return r.Error != nil
}

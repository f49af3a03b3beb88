package server

import (
	"context"
	"reflect"
	"strings"
	"unicode"

	"chanrpc/message"
	"github.com/nuclio/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterReceiver scans the exported methods of rcvr and registers every one shaped like
//
//	func (rcvr *T) SetServiceBulk(ctx context.Context, params *SetServiceBulkParams) (R, error)
//
// under its snake_case name ("set_service_bulk"). Params are decoded from the call params.
// Methods of any other shape are skipped. It returns the registered names.
func (r *Registry) RegisterReceiver(rcvr any, options ...MethodOption) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.Errorf("Receiver must be a pointer, got %T", rcvr)
	}

	value := reflect.ValueOf(rcvr)
	var names []string

	for i := 0; i < typ.NumMethod(); i++ {
		reflected := typ.Method(i)
		if !isHandlerMethod(reflected.Type) {
			continue
		}

		name := snakeCase(reflected.Name)
		r.Register(name, receiverHandler(value.Method(i), reflected.Type.In(2).Elem()), options...)
		names = append(names, name)
	}

	if len(names) == 0 {
		return nil, errors.Errorf("Receiver %T has no methods to register", rcvr)
	}
	return names, nil
}

// (receiver, context.Context, *Params) (any, error)
func isHandlerMethod(methodType reflect.Type) bool {
	return methodType.NumIn() == 3 &&
		methodType.NumOut() == 2 &&
		methodType.In(1) == contextType &&
		methodType.In(2).Kind() == reflect.Ptr &&
		methodType.Out(1) == errorType
}

func receiverHandler(bound reflect.Value, paramsType reflect.Type) Handler {
	return func(ctx context.Context, call *message.Call) (any, error) {
		params := reflect.New(paramsType)
		if err := call.Bind(params.Interface()); err != nil {
			return nil, err
		}

		results := bound.Call([]reflect.Value{reflect.ValueOf(ctx), params})
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return results[0].Interface(), nil
	}
}

// snakeCase turns "GetServiceMetadata" into "get_service_metadata" and "HTTPPort" into "http_port".
func snakeCase(name string) string {
	runes := []rune(name)
	var builder strings.Builder

	for i, current := range runes {
		if unicode.IsUpper(current) && i > 0 {
			previous := runes[i-1]
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(previous) || unicode.IsDigit(previous) || (unicode.IsUpper(previous) && nextIsLower) {
				builder.WriteByte('_')
			}
		}
		builder.WriteRune(unicode.ToLower(current))
	}
	return builder.String()
}

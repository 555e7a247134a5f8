package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// executor invokes a tool function with a JSON argument document.
type executor func(ctx context.Context, args []byte) (interface{}, error)

// newExecutor builds an executor for a validated tool function. The argument
// document is unmarshaled into the function's args struct; a context-aware
// function receives the caller's context so tool execution stays cancellable.
func newExecutor(fn interface{}) (executor, error) {
	funcValue := reflect.ValueOf(fn)
	funcType := funcValue.Type()
	argsType, err := functionArgsType(funcType)
	if err != nil {
		return nil, err
	}
	wantsContext := funcType.NumIn() == 2

	return func(ctx context.Context, args []byte) (interface{}, error) {
		input := reflect.New(argsType)
		if err := json.Unmarshal(args, input.Interface()); err != nil {
			return nil, errors.Wrap(err, "could not unmarshal tool arguments")
		}

		var in []reflect.Value
		if wantsContext {
			in = []reflect.Value{reflect.ValueOf(ctx), input.Elem()}
		} else {
			in = []reflect.Value{input.Elem()}
		}

		results := funcValue.Call(in)
		if len(results) == 2 {
			if errValue := results[1].Interface(); errValue != nil {
				return results[0].Interface(), errValue.(error)
			}
		}
		return results[0].Interface(), nil
	}, nil
}

package tools

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrNoFunction is returned when the provided value holds no function
// definition.
var ErrNoFunction = errors.New("no valid function definition found")

// MissingAnnotationError is returned when a tool parameter lacks the json
// wire-name annotation on its struct field.
type MissingAnnotationError struct {
	Tool  string
	Param string
}

func (e *MissingAnnotationError) Error() string {
	return fmt.Sprintf("parameter '%s' of tool '%s' lacks a json annotation", e.Param, e.Tool)
}

// MissingDescriptionError is returned when a tool parameter has no
// description in the doc text.
type MissingDescriptionError struct {
	Tool  string
	Param string
}

func (e *MissingDescriptionError) Error() string {
	return fmt.Sprintf("parameter '%s' of tool '%s' lacks a description in the doc text", e.Param, e.Tool)
}

// UnsupportedTypeError is returned when a parameter's type has no schema
// primitive mapping.
type UnsupportedTypeError struct {
	Tool  string
	Param string
	Type  reflect.Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("parameter '%s' of tool '%s' has type %s with no corresponding schema type", e.Param, e.Tool, e.Type)
}

// Context parameters are wrapped in double underscores on both ends, e.g.
// __user_id__.
var contextParamRe = regexp.MustCompile(`^__.+__$`)

func IsContextParam(name string) bool {
	return contextParamRe.MatchString(name)
}

// ContextVarKey maps a context parameter name to the session context
// variable it is filled from (__user_id__ -> user_id).
func ContextVarKey(param string) string {
	return strings.Trim(param, "_")
}

type compileOptions struct {
	name        string
	description string
}

type CompileOption func(*compileOptions)

// WithName overrides the wire name derived from the function symbol.
func WithName(name string) CompileOption {
	return func(o *compileOptions) {
		o.name = name
	}
}

// WithDescription overrides the description derived from the doc text.
func WithDescription(description string) CompileOption {
	return func(o *compileOptions) {
		o.description = description
	}
}

// CompileSpec compiles a tool function and its doc text into a Spec.
//
// The function must have one of the signatures
//
//	func(Args) Result
//	func(Args) (Result, error)
//	func(context.Context, Args) (Result, error)
//
// where Args is a struct whose fields are the tool parameters. Each field
// needs a json tag for its wire name and a `name: description` line in the
// doc text. Pointer fields are optional parameters; everything else is
// required. Fields named __like_this__ become context parameters and are
// stripped from the model-visible schema.
func CompileSpec(fn interface{}, doc string, options ...CompileOption) (*Spec, error) {
	opts := compileOptions{}
	for _, option := range options {
		option(&opts)
	}

	funcValue, ok := fnValue(fn)
	if !ok {
		return nil, ErrNoFunction
	}
	funcType := funcValue.Type()

	name := opts.name
	if name == "" {
		name = functionName(funcValue)
		if name == "" {
			return nil, ErrNoFunction
		}
	}

	argsType, err := functionArgsType(funcType)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s", name)
	}

	description, paramDocs := parseDoc(doc)
	if opts.description != "" {
		description = opts.description
	}

	properties := orderedmap.New[string, *jsonschema.Schema]()
	required := []string{}
	contextParams := []string{}

	for i := 0; i < argsType.NumField(); i++ {
		field := argsType.Field(i)
		if !field.IsExported() {
			continue
		}

		paramName, ok := wireName(field)
		if !ok {
			return nil, &MissingAnnotationError{Tool: name, Param: field.Name}
		}
		if paramName == "-" {
			continue
		}

		paramType, hasDefault := unwrapOptional(field.Type)
		schemaType, items, ok := schemaPrimitive(paramType)
		if !ok {
			return nil, &UnsupportedTypeError{Tool: name, Param: paramName, Type: field.Type}
		}

		paramDoc, ok := paramDocs[paramName]
		if !ok || paramDoc == "" {
			return nil, &MissingDescriptionError{Tool: name, Param: paramName}
		}

		if IsContextParam(paramName) {
			contextParams = append(contextParams, paramName)
			continue
		}

		properties.Set(paramName, &jsonschema.Schema{
			Type:        schemaType,
			Description: paramDoc,
			Items:       items,
		})
		if !hasDefault {
			required = append(required, paramName)
		}
	}

	return &Spec{
		Name:        name,
		Description: description,
		Parameters: &jsonschema.Schema{
			Type:       "object",
			Properties: properties,
			Required:   required,
		},
		ContextParams: contextParams,
	}, nil
}

func fnValue(fn interface{}) (reflect.Value, bool) {
	funcValue := reflect.ValueOf(fn)
	if !funcValue.IsValid() || funcValue.Kind() != reflect.Func || funcValue.IsNil() {
		return reflect.Value{}, false
	}
	return funcValue, true
}

// functionName locates the function's declared symbol and derives the wire
// name from it (GetWeather -> get_weather).
func functionName(funcValue reflect.Value) string {
	symbol := runtime.FuncForPC(funcValue.Pointer())
	if symbol == nil {
		return ""
	}
	name := symbol.Name()
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimSuffix(name, "-fm")
	if name == "" {
		return ""
	}
	return strcase.ToSnake(name)
}

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// functionArgsType validates the tool function signature and returns the
// parameter struct type.
func functionArgsType(funcType reflect.Type) (reflect.Type, error) {
	var argsType reflect.Type
	switch funcType.NumIn() {
	case 1:
		argsType = funcType.In(0)
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.New("two-arg tool function must be (context.Context, Args)")
		}
		argsType = funcType.In(1)
	default:
		return nil, errors.New("tool function must take (Args) or (context.Context, Args)")
	}
	if argsType.Kind() != reflect.Struct {
		return nil, errors.Errorf("tool function parameter must be a struct, got %s", argsType)
	}

	switch funcType.NumOut() {
	case 1:
	case 2:
		if !funcType.Out(1).Implements(errorType) {
			return nil, errors.New("second return value must be an error")
		}
	default:
		return nil, errors.New("tool function must return (result) or (result, error)")
	}
	return argsType, nil
}

func wireName(field reflect.StructField) (string, bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return "", false
	}
	return name, true
}

// unwrapOptional peels pointer wrapping recursively. A wrapped parameter is
// optional, everything else required.
func unwrapOptional(t reflect.Type) (reflect.Type, bool) {
	optional := false
	for t.Kind() == reflect.Ptr {
		optional = true
		t = t.Elem()
	}
	return t, optional
}

// schemaPrimitive maps a Go type to its schema primitive. Only integer,
// string, boolean, number and string-array parameters are supported.
func schemaPrimitive(t reflect.Type) (string, *jsonschema.Schema, bool) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer", nil, true
	case reflect.String:
		return "string", nil, true
	case reflect.Bool:
		return "boolean", nil, true
	case reflect.Float32, reflect.Float64:
		return "number", nil, true
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String {
			return "array", &jsonschema.Schema{Type: "string"}, true
		}
		return "", nil, false
	default:
		return "", nil, false
	}
}

var paramDocRe = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.+)$`)

// parseDoc splits a doc text into the tool description (the leading
// paragraph) and per-parameter descriptions (`name: description` lines,
// with indented continuation lines).
func parseDoc(doc string) (string, map[string]string) {
	params := map[string]string{}
	descriptionLines := []string{}
	inParams := false
	lastParam := ""

	for _, line := range strings.Split(doc, "\n") {
		if groups := paramDocRe.FindStringSubmatch(line); groups != nil {
			inParams = true
			lastParam = groups[1]
			params[lastParam] = strings.TrimSpace(groups[2])
			continue
		}
		trimmed := strings.TrimSpace(line)
		if inParams {
			if trimmed != "" && lastParam != "" {
				params[lastParam] += " " + trimmed
			}
			continue
		}
		descriptionLines = append(descriptionLines, trimmed)
	}

	return strings.TrimSpace(strings.Join(descriptionLines, "\n")), params
}

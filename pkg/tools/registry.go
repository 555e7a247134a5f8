package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/singleflight"
)

// Result is the packaged outcome of a tool dispatch. Content is the JSON
// document fed back into the conversation; OK mirrors its status field. A
// failing tool degrades the conversation, it never aborts the turn, so
// Dispatch has no error return.
type Result struct {
	OK      bool
	Content string
}

type packagedResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// PackageResponse wraps a tool outcome in the status envelope the model sees.
func PackageResponse(ok bool, message string) string {
	status := "OK"
	if !ok {
		status = "Failed"
	}
	packaged, _ := json.Marshal(packagedResponse{Status: status, Message: message})
	return string(packaged)
}

type registeredTool struct {
	spec *Spec
	call executor
}

// Registry holds compiled tool specs and their callables. Compilation is
// idempotent and safe under concurrent first-use: the first registration of
// a name compiles and caches, later ones are served from the cache. The
// compiled specs are shared read-only across all sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
	group singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{
		tools: map[string]*registeredTool{},
	}
}

// Register compiles fn's spec and caches it together with its callable. The
// cached spec is returned on repeat registrations of the same name.
func (r *Registry) Register(fn interface{}, doc string, options ...CompileOption) (*Spec, error) {
	name := registrationName(fn, options...)
	if name == "" {
		return nil, ErrNoFunction
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		r.mu.RLock()
		cached, ok := r.tools[name]
		r.mu.RUnlock()
		if ok {
			return cached.spec, nil
		}

		spec, err := CompileSpec(fn, doc, options...)
		if err != nil {
			return nil, err
		}
		call, err := newExecutor(fn)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.tools[name] = &registeredTool{spec: spec, call: call}
		r.mu.Unlock()

		log.Debug().Str("tool", name).Strs("context_params", spec.ContextParams).Msg("registered tool")
		return spec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Spec), nil
}

func registrationName(fn interface{}, options ...CompileOption) string {
	opts := compileOptions{}
	for _, option := range options {
		option(&opts)
	}
	if opts.name != "" {
		return opts.name
	}
	funcValue, ok := fnValue(fn)
	if !ok {
		return ""
	}
	return functionName(funcValue)
}

func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// GetSpec returns the compiled spec for a tool name.
func (r *Registry) GetSpec(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, errors.Errorf("tool not found: %s", name)
	}
	return tool.spec, nil
}

// GetSpecs resolves a template's attached tool set.
func (r *Registry) GetSpecs(names []string) ([]*Spec, error) {
	ret := make([]*Spec, 0, len(names))
	for _, name := range names {
		spec, err := r.GetSpec(name)
		if err != nil {
			return nil, err
		}
		ret = append(ret, spec)
	}
	return ret, nil
}

// Dispatch looks up the tool, merges the system-injected context parameters
// with the model-supplied arguments, invokes the callable and packages the
// outcome. Invocation failures of any kind are caught, logged and reported
// as a failed-status package.
func (r *Registry) Dispatch(ctx context.Context, name string, modelArgs json.RawMessage, contextVars map[string]interface{}) Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		log.Error().Str("tool", name).Msg("unexpected tool call for unregistered tool")
		return Result{OK: false, Content: PackageResponse(false, fmt.Sprintf("unknown tool: %s", name))}
	}

	if err := validateArgs(tool.spec, modelArgs); err != nil {
		log.Error().Err(err).Str("tool", name).Msg("tool arguments failed schema validation")
		return Result{OK: false, Content: PackageResponse(false, "Got error in tool call")}
	}

	merged := map[string]interface{}{}
	if err := json.Unmarshal(modelArgs, &merged); err != nil {
		log.Error().Err(err).Str("tool", name).Msg("could not decode tool arguments")
		return Result{OK: false, Content: PackageResponse(false, "Got error in tool call")}
	}
	for key, value := range contextArgs(tool.spec.ContextParams, contextVars) {
		merged[key] = value
	}

	args, err := json.Marshal(merged)
	if err != nil {
		log.Error().Err(err).Str("tool", name).Msg("could not encode merged tool arguments")
		return Result{OK: false, Content: PackageResponse(false, "Got error in tool call")}
	}

	output, err := safeInvoke(ctx, tool.call, args)
	if err != nil {
		log.Error().Err(err).Str("tool", name).Msg("error in tool call")
		return Result{OK: false, Content: PackageResponse(false, "Got error in tool call")}
	}

	log.Info().Str("tool", name).Interface("output", output).Msg("got tool output")
	return Result{OK: true, Content: PackageResponse(true, fmt.Sprint(output))}
}

// ContextArgs returns the slice of the session context variables a tool
// declared as context parameters, keyed by parameter name.
func (r *Registry) ContextArgs(name string, contextVars map[string]interface{}) map[string]interface{} {
	spec, err := r.GetSpec(name)
	if err != nil {
		return map[string]interface{}{}
	}
	return contextArgs(spec.ContextParams, contextVars)
}

func contextArgs(contextParams []string, contextVars map[string]interface{}) map[string]interface{} {
	ret := map[string]interface{}{}
	for _, param := range contextParams {
		key := ContextVarKey(param)
		value, ok := contextVars[key]
		if !ok {
			log.Error().Str("param", param).Msg("context param of tool not found in context vars")
			continue
		}
		ret[param] = value
	}
	return ret
}

func validateArgs(spec *Spec, modelArgs json.RawMessage) error {
	schemaDoc, err := json.Marshal(spec.Parameters)
	if err != nil {
		return errors.Wrap(err, "could not marshal parameter schema")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaDoc),
		gojsonschema.NewBytesLoader(modelArgs),
	)
	if err != nil {
		return errors.Wrap(err, "could not validate tool arguments")
	}
	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, resultError := range result.Errors() {
			descriptions = append(descriptions, resultError.String())
		}
		return errors.Errorf("invalid tool arguments: %v", descriptions)
	}
	return nil
}

func safeInvoke(ctx context.Context, call executor, args []byte) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("tool panicked: %v", r)
		}
	}()
	return call(ctx, args)
}

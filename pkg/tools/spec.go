package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// Spec is the compiled, model-facing description of a tool. It is immutable
// once produced: compilation is a pure function of the tool function and its
// doc text, so specs are deterministic and cacheable across sessions.
type Spec struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`

	// ContextParams are the system-injected parameter names. They are never
	// part of Parameters and never shown to the model.
	ContextParams []string `json:"context_params,omitempty"`
}

// ToOpenAITool converts the spec into the completion API's tool format. The
// context parameters are deliberately absent.
func (s *Spec) ToOpenAITool() (go_openai.Tool, error) {
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return go_openai.Tool{}, errors.Wrapf(err, "could not marshal parameters of tool %s", s.Name)
	}
	return go_openai.Tool{
		Type: go_openai.ToolTypeFunction,
		Function: go_openai.FunctionDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  json.RawMessage(params),
		},
	}, nil
}

// MarshalDeterministic serializes the spec. Property order follows parameter
// declaration order, so compiling the same tool twice yields byte-identical
// output.
func (s *Spec) MarshalDeterministic() ([]byte, error) {
	return json.Marshal(s)
}

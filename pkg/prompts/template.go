package prompts

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// SeedMessage is a templated message appended right after the system prompt
// when a conversation is initialized. Seeds are hidden from the user-facing
// history.
type SeedMessage struct {
	Role    conversation.Role `json:"role" yaml:"role"`
	Content string            `json:"content" yaml:"content"`
}

// Template is the immutable per-session conversation configuration: prompt
// templates with $variable placeholders, seed messages, the context-variable
// contract and the attached backend configs and tools.
type Template struct {
	Name string `json:"name" yaml:"name"`

	SystemPromptTemplate string `json:"system_prompt_template" yaml:"system_prompt_template"`

	// UserPromptTemplate wraps each user turn before submission to the
	// model. The raw user text is what gets persisted; the wrapped text is
	// what the model sees. $user_msg is bound to the raw text.
	UserPromptTemplate string `json:"user_prompt_template,omitempty" yaml:"user_prompt_template,omitempty"`

	InitialMessages []SeedMessage `json:"initial_messages_templates,omitempty" yaml:"initial_messages_templates,omitempty"`

	// RequiredContextVars must be present in the context variables of every
	// submitted turn.
	RequiredContextVars []string `json:"required_kwargs,omitempty" yaml:"required_kwargs,omitempty"`

	// LoggedContextVars are copied from the turn's context variables onto
	// the persisted user message, for later analysis.
	LoggedContextVars []string `json:"logged_context_vars,omitempty" yaml:"logged_context_vars,omitempty"`

	// ConfigNames are the backend configurations this template may run
	// against.
	ConfigNames []string `json:"llm_config_names,omitempty" yaml:"llm_config_names,omitempty"`

	// Tools are the names of registry tools attached to this template.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

func (t *Template) Validate() error {
	if t.Name == "" {
		return errors.New("template has no name")
	}
	if t.SystemPromptTemplate == "" {
		return errors.New("template has no system prompt")
	}
	for _, seed := range t.InitialMessages {
		if seed.Role != conversation.RoleUser && seed.Role != conversation.RoleAssistant {
			return errors.Errorf("seed message role must be user or assistant, got %s", seed.Role)
		}
	}
	return nil
}

// SystemPrompt renders the system prompt template with the given context
// variables.
func (t *Template) SystemPrompt(contextVars map[string]interface{}) (string, error) {
	return Expand(t.SystemPromptTemplate, contextVars)
}

// UserPrompt renders the user prompt wrapper around a raw user message. When
// the template has no wrapper the raw message is returned as-is.
func (t *Template) UserPrompt(userMsg string, contextVars map[string]interface{}) (string, error) {
	if t.UserPromptTemplate == "" {
		return userMsg, nil
	}
	return Expand(t.UserPromptTemplate, mergeVars(contextVars, map[string]interface{}{"user_msg": userMsg}))
}

// SeedMessages renders the initial message templates. The returned messages
// are marked hidden from user history.
func (t *Template) SeedMessages(contextVars map[string]interface{}) ([]*conversation.Message, error) {
	ret := make([]*conversation.Message, 0, len(t.InitialMessages))
	for _, seed := range t.InitialMessages {
		content, err := Expand(seed.Content, contextVars)
		if err != nil {
			return nil, errors.Wrapf(err, "could not render seed message for template %s", t.Name)
		}
		ret = append(ret, conversation.NewHiddenMessage(seed.Role, content))
	}
	return ret, nil
}

// MissingRequiredVars returns the required context variables absent from the
// given set.
func (t *Template) MissingRequiredVars(contextVars map[string]interface{}) []string {
	missing := []string{}
	for _, key := range t.RequiredContextVars {
		if _, ok := contextVars[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// FilterLoggedVars reduces the context variables to the subset the template
// wants persisted with each user message.
func (t *Template) FilterLoggedVars(contextVars map[string]interface{}) map[string]interface{} {
	if len(t.LoggedContextVars) == 0 {
		return nil
	}
	ret := map[string]interface{}{}
	for _, key := range t.LoggedContextVars {
		if value, ok := contextVars[key]; ok {
			ret[key] = value
		}
	}
	if len(ret) == 0 {
		return nil
	}
	return ret
}

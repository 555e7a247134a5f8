package prompts

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadTemplateFile reads a template definition from a YAML file. When the
// document carries no name, the file stem would be ambiguous, so the name is
// required in the document itself.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read template file %s", path)
	}

	template := &Template{}
	if err := yaml.Unmarshal(data, template); err != nil {
		return nil, errors.Wrapf(err, "could not parse template file %s", path)
	}
	if err := template.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid template in %s", path)
	}
	return template, nil
}

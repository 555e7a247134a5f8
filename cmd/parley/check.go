package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/parley/pkg/backend"
	"github.com/go-go-golems/parley/pkg/prompts"
)

// check validates that every config name referenced by the given templates
// has a matching config document, before anything talks to a backend.
func newCheckCommand() *cobra.Command {
	var templateFiles []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate templates against the loaded backend configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := loadConfigs()
			if err != nil {
				return err
			}

			templates := []*prompts.Template{}
			for _, path := range templateFiles {
				template, err := prompts.LoadTemplateFile(path)
				if err != nil {
					return err
				}
				templates = append(templates, template)
			}
			if len(templateFiles) == 0 {
				st, err := openStore()
				if err != nil {
					return err
				}
				defer func() {
					_ = st.Close()
				}()
				templates, err = st.ListTemplates(cmd.Context())
				if err != nil {
					return err
				}
			}

			for _, template := range templates {
				if err := backend.CheckConfigNames(template.ConfigNames, configs); err != nil {
					return err
				}
				fmt.Printf("template %s: ok\n", template.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&templateFiles, "template-file", nil,
		"template YAML files to check (checks every stored template when empty)")
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/parley/pkg/prompts"
)

func newTemplatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage stored conversation templates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored template names",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			templates, err := st.ListTemplates(cmd.Context())
			if err != nil {
				return err
			}
			for _, template := range templates {
				fmt.Println(template.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>...",
		Short: "Import template YAML files into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			for _, path := range args {
				template, err := prompts.LoadTemplateFile(path)
				if err != nil {
					return err
				}
				if err := st.UpsertTemplate(cmd.Context(), template); err != nil {
					return err
				}
				fmt.Printf("imported %s\n", template.Name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Print a stored template as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = st.Close()
			}()

			template, err := st.GetTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			encoder := yaml.NewEncoder(os.Stdout)
			defer func() {
				_ = encoder.Close()
			}()
			return encoder.Encode(template)
		},
	})

	return cmd
}

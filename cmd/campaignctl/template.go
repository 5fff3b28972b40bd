package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/campaign-service/internal/template"
)

func templateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "work with message templates",
	}
	cmd.AddCommand(validateTemplateCommand())
	return cmd
}

func validateTemplateCommand() *cobra.Command {
	var (
		file string
		tpl  template.Template
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "check that every placeholder of a template is declared",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &tpl); err != nil {
					return fmt.Errorf("decode %s: %w", file, err)
				}
			}
			used := make([]string, 0)
			for name := range template.ExtractVariables(tpl.Subject + "\n" + tpl.Body) {
				used = append(used, name)
			}
			sort.Strings(used)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "variables: %v\n", used)
			errs := template.ValidateTemplate(tpl)
			for _, err := range errs {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if len(errs) > 0 {
				return errors.New("template is invalid")
			}
			fmt.Fprintln(out, "template is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with subject, body and variables")
	cmd.Flags().StringVar(&tpl.Subject, "subject", "", "template subject")
	cmd.Flags().StringVar(&tpl.Body, "body", "", "template body")
	cmd.Flags().StringSliceVar(&tpl.Variables, "vars", nil, "declared variables, comma separated")
	return cmd
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/paths"
	"klisk/internal/scaffold"
)

var createDir string

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new project from the starter template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		dir, err := scaffold.Create(name, createDir)
		if err != nil {
			return err
		}

		ui.Success(fmt.Sprintf("Created project %q at %s", name, paths.Display(dir)))
		ui.NextSteps([]string{
			"Add your API key in " + paths.Display(filepath.Join(dir, ".env")),
			fmt.Sprintf("klisk dev %s          # start the Studio", name),
		})
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createDir, "dir", "", "Parent directory for the project (default: workspace)")
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/config"
	"klisk/internal/paths"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspace projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := paths.ListProjects()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			ui.Info("No projects found in " + paths.Display(paths.ProjectsDir()))
			ui.NextSteps([]string{"klisk create my-agent"})
			return nil
		}

		ui.Header(fmt.Sprintf("Projects (%d)", len(names)))
		ui.Plain("")
		ui.Table([]string{"Name", "Entry", "Path"}, projectRows(names))
		return nil
	},
}

// projectRows loads each project's config for the entry column. A project
// with a broken config still lists, with the default entry.
func projectRows(names []string) [][]string {
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		dir := filepath.Join(paths.ProjectsDir(), name)
		entry := config.DefaultProject().Entry
		if cfg, err := config.LoadProject(dir); err == nil {
			entry = cfg.Entry
		}
		rows = append(rows, []string{name, entry, paths.Display(dir)})
	}
	return rows
}

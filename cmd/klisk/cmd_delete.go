package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/paths"
	"klisk/internal/scaffold"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a project directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := paths.ResolveProject(args[0])
		if err != nil {
			return err
		}
		name := filepath.Base(dir)

		if !deleteForce {
			fmt.Printf("Delete project %q at %s? [y/N] ", name, paths.Display(dir))
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
				ui.Plain("Aborted.")
				return nil
			}
		}

		if err := scaffold.Delete(dir); err != nil {
			return err
		}
		ui.Success(fmt.Sprintf("Deleted project %q.", name))
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip the confirmation prompt")
}

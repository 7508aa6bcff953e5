// Package main is the klisk command line interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/daemon"
	"klisk/internal/logging"
	"klisk/internal/paths"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "klisk",
	Short: "A framework for building AI agents programmatically",
	Long: `Klisk is a framework for building AI agents as plain Go files.

Declare agents and tools with the sdk package, then use the Studio to
configure, test, and chat with them while klisk hot-reloads your code.

Run without arguments for a workspace overview.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(paths.Home()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if verbose {
			logging.SetDebug(true)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return welcome()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(studioCmd)
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devWorkerCmd)
	rootCmd.AddCommand(serveWorkerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}

// welcome prints a contextual landing message for a bare `klisk`: it
// depends on whether the workspace exists, holds projects, and has a
// running Studio.
func welcome() error {
	_, statErr := os.Stat(paths.Home())
	firstRun := os.IsNotExist(statErr)

	if err := paths.EnsureWorkspace(); err != nil {
		return err
	}
	homeDisplay := paths.Display(paths.Home())

	if firstRun {
		fmt.Printf(`
  Welcome to Klisk!

  Your workspace is ready at %s

  Get started:
    klisk create my-agent    # scaffold a project
    klisk studio             # open the Studio
`, homeDisplay)
		return nil
	}

	projects, err := paths.ListProjects()
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		fmt.Printf(`
  Klisk workspace at %s holds no projects yet.

  Get started:
    klisk create my-agent    # scaffold a project
    klisk studio             # open the Studio
`, homeDisplay)
		return nil
	}

	label := "projects"
	if len(projects) == 1 {
		label = "project"
	}

	state, info := daemon.New(daemon.KindDev, "workspace").State()
	if state == daemon.StateRunning {
		fmt.Printf(`
  Klisk Studio is running (%d %s).

  Open in browser: http://localhost:%d
`, len(projects), label, info.Port)
		return nil
	}

	fmt.Printf(`
  Klisk workspace holds %d %s.

  Start the Studio to configure and test your agents:
    klisk studio
`, len(projects), label)
	return nil
}

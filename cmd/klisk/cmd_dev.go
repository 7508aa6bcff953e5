package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/config"
	"klisk/internal/daemon"
	"klisk/internal/paths"
)

var devStop bool

var devCmd = &cobra.Command{
	Use:   "dev [NAME|PATH]",
	Short: "Run the Studio and dev server in the background",
	Long: `Run the Studio and dev server as a background daemon.

With a project name or path the server watches that project on its
configured API port. Without arguments it serves every workspace project
on the global Studio port.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return devServer(target, devStop, "dev")
	},
}

var studioStop bool

var studioCmd = &cobra.Command{
	Use:   "studio",
	Short: "Run the workspace Studio in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return devServer("", studioStop, "studio")
	},
}

func init() {
	devCmd.Flags().BoolVar(&devStop, "stop", false, "Stop the running dev server")
	studioCmd.Flags().BoolVar(&studioStop, "stop", false, "Stop the running dev server")
}

// devServer starts or stops the dev daemon. An empty target is workspace
// mode: every project under the workspace home, on the global Studio
// port.
func devServer(target string, stop bool, verb string) error {
	name := "workspace"
	projectDir := ""
	var port int

	if target == "" {
		global, err := config.LoadGlobal()
		if err != nil {
			return err
		}
		port = global.Studio.Port
	} else {
		dir, err := paths.ResolveProject(target)
		if err != nil {
			return err
		}
		cfg, err := config.LoadProject(dir)
		if err != nil {
			return err
		}
		projectDir = dir
		name = filepath.Base(dir)
		port = cfg.API.Port
	}

	sup := daemon.New(daemon.KindDev, name)

	if stop {
		stopped, err := sup.Stop()
		if err != nil {
			return err
		}
		if stopped {
			ui.Success(fmt.Sprintf("Stopped dev server (%s).", name))
		} else {
			ui.Info("No dev server is running.")
		}
		return nil
	}

	stopHint := "klisk " + verb + " --stop"
	if target != "" {
		stopHint = "klisk dev " + target + " --stop"
	}

	workerArgs := []string{"__dev-worker", "--port", strconv.Itoa(port)}
	workDir := paths.Home()
	if projectDir != "" {
		workerArgs = append(workerArgs, "--project-path", projectDir)
		workDir = projectDir
	}

	info, err := sup.Start(daemon.StartOptions{
		Project: name,
		Dir:     workDir,
		Args:    workerArgs,
		Port:    port,
	})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		ui.Info(fmt.Sprintf("Dev server already running (pid %d).", info.PID))
		ui.URL("Studio + API", fmt.Sprintf("http://localhost:%d", info.Port))
		ui.KV("Logs", paths.Display(info.LogFile))
		ui.KV("Stop with", stopHint)
		return nil
	}
	if err != nil {
		return err
	}

	ui.URL("Studio + API", fmt.Sprintf("http://localhost:%d", info.Port))
	if projectDir == "" {
		ui.KV("Workspace", paths.Display(paths.ProjectsDir()))
	} else {
		ui.KV("Project", paths.Display(projectDir))
	}
	ui.KV("PID", strconv.Itoa(info.PID))
	ui.KV("Logs", paths.Display(info.LogFile))
	ui.KV("Stop with", stopHint)
	return nil
}

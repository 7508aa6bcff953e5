package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/daemon"
	"klisk/internal/paths"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workspace status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ui.Header("Klisk Status")
		ui.Plain("")
		ui.KV("Workspace", paths.Display(paths.Home()))

		names, err := paths.ListProjects()
		if err != nil {
			return err
		}
		ui.KV("Projects", strconv.Itoa(len(names)))

		ui.Header("Studio")
		state, info := daemon.New(daemon.KindDev, "workspace").State()
		switch state {
		case daemon.StateRunning:
			ui.KV("Status", ui.Good(fmt.Sprintf("Running (pid %d)", info.PID)))
			ui.URL("URL", fmt.Sprintf("http://localhost:%d", info.Port))
			ui.KV("Uptime", formatUptime(info.Uptime()))
			if info.LogFile != "" {
				ui.KV("Logs", paths.Display(info.LogFile))
			}
		case daemon.StateStarting:
			ui.KV("Status", "Starting")
		default:
			ui.KV("Status", ui.Muted("Stopped"))
			ui.Dim("Start with: klisk studio")
		}

		if len(names) > 0 {
			ui.Header("Projects")
			ui.Plain("")
			ui.Table([]string{"Name", "Entry", "Path"}, projectRows(names))
		} else {
			ui.Plain("")
			ui.Info("No projects yet.")
			ui.NextSteps([]string{"klisk create my-agent"})
		}
		ui.Plain("")
		return nil
	},
}

// formatUptime renders a duration the way people read uptimes: seconds
// under a minute, whole minutes under an hour, then "Xh Ym", then
// "Xd Yh".
func formatUptime(d time.Duration) string {
	total := int(d.Seconds())
	if total < 0 {
		total = 0
	}
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	minutes := total / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh %dm", hours, minutes%60)
	}
	return fmt.Sprintf("%dd %dh", hours/24, hours%24)
}

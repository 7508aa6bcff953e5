package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/daemon"
	"klisk/internal/paths"
	"klisk/internal/server"
)

var (
	servePort   int
	serveHost   string
	serveDetach bool
	serveStop   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [NAME|PATH]",
	Short: "Run the production server (chat API + widget)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "."
		if len(args) == 1 {
			target = args[0]
		}
		dir, err := paths.ResolveProject(target)
		if err != nil {
			return err
		}
		name := filepath.Base(dir)
		sup := daemon.New(daemon.KindServe, name)

		if serveStop {
			return serveStopCmd(sup, name)
		}

		port := servePort
		if port == 0 {
			if env := os.Getenv("PORT"); env != "" {
				if p, aerr := strconv.Atoi(env); aerr == nil && p > 0 {
					port = p
				}
			}
		}

		if serveDetach {
			if port == 0 {
				port = daemon.FreePort(8080)
			}
			return serveDetached(sup, name, dir, port)
		}

		if port == 0 {
			port = 8080
		}
		_ = godotenv.Overload(filepath.Join(dir, ".env"))

		ui.URL("Chat UI", fmt.Sprintf("http://%s:%d", serveHost, port))
		ui.URL("API", fmt.Sprintf("http://%s:%d/api/chat", serveHost, port))
		ui.URL("Health", fmt.Sprintf("http://%s:%d/health", serveHost, port))
		ui.KV("Project", paths.Display(dir))
		ui.Plain("")

		ctx, stop := workerContext()
		defer stop()
		prod, err := server.NewProduction(ctx, dir)
		if err != nil {
			return err
		}
		return prod.Run(ctx, serveHost, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port (default: $PORT or 8080)")
	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "Run in the background")
	serveCmd.Flags().BoolVar(&serveStop, "stop", false, "Stop the background production server")
}

// serveStopCmd stops a supervised production server. When no pid file
// exists it still probes the port for an orphaned server of the same
// project, left behind by a lost pid file.
func serveStopCmd(sup *daemon.Supervisor, name string) error {
	stopped, err := sup.Stop()
	if err != nil {
		return err
	}
	if !stopped {
		port := servePort
		if port == 0 {
			port = 8080
		}
		stopped, err = sup.StopOrphan(port, name)
		if err != nil {
			return err
		}
	}
	if stopped {
		ui.Success(fmt.Sprintf("Stopped production server (%s).", name))
	} else {
		ui.Info("No production server is running.")
	}
	return nil
}

func serveDetached(sup *daemon.Supervisor, name, dir string, port int) error {
	info, err := sup.Start(daemon.StartOptions{
		Project: name,
		Dir:     dir,
		Args: []string{
			"__serve-worker",
			"--project-path", dir,
			"--port", strconv.Itoa(port),
		},
		Port: port,
	})
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		ui.Info(fmt.Sprintf("Production server already running (pid %d).", info.PID))
		ui.URL("API", fmt.Sprintf("http://localhost:%d/api/chat", info.Port))
		ui.KV("Stop with", "klisk serve "+name+" --stop")
		return nil
	}
	if err != nil {
		return err
	}

	ui.URL("Chat UI", fmt.Sprintf("http://localhost:%d", info.Port))
	ui.URL("API", fmt.Sprintf("http://localhost:%d/api/chat", info.Port))
	ui.KV("Project", paths.Display(dir))
	ui.KV("PID", strconv.Itoa(info.PID))
	ui.KV("Logs", paths.Display(info.LogFile))
	ui.KV("Stop with", "klisk serve "+name+" --stop")
	return nil
}

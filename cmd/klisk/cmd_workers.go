package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"klisk/internal/config"
	"klisk/internal/envcache"
	"klisk/internal/server"
)

// Worker commands are spawned by the daemon supervisor, never typed by
// hand; Hidden keeps them out of help output.

var (
	workerPort        int
	workerProjectPath string
)

var devWorkerCmd = &cobra.Command{
	Use:    "__dev-worker",
	Short:  "Run the dev server in the foreground (spawned by klisk dev)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := workerContext()
		defer stop()

		opts := server.Options{Port: workerPort}
		if workerProjectPath == "" {
			opts.Workspace = true
			opts.Env = envcache.New()
		} else {
			// Single-project workers own the process env; workspace
			// discovery scopes each project's .env instead.
			opts.ProjectDir = workerProjectPath
			_ = godotenv.Overload(filepath.Join(workerProjectPath, ".env"))
		}
		if global, err := config.LoadGlobal(); err == nil {
			opts.DefaultModel = global.Defaults.Model
		}

		return server.New(ctx, opts).Run(ctx)
	},
}

var (
	serveWorkerPort int
	serveWorkerPath string
)

var serveWorkerCmd = &cobra.Command{
	Use:    "__serve-worker",
	Short:  "Run the production server in the foreground (spawned by klisk serve)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := workerContext()
		defer stop()

		_ = godotenv.Overload(filepath.Join(serveWorkerPath, ".env"))

		prod, err := server.NewProduction(ctx, serveWorkerPath)
		if err != nil {
			return err
		}
		return prod.Run(ctx, "0.0.0.0", serveWorkerPort)
	},
}

func init() {
	devWorkerCmd.Flags().IntVar(&workerPort, "port", 0, "Port to bind")
	devWorkerCmd.Flags().StringVar(&workerProjectPath, "project-path", "", "Project directory (omit for workspace mode)")
	_ = devWorkerCmd.MarkFlagRequired("port")

	serveWorkerCmd.Flags().IntVar(&serveWorkerPort, "port", 8080, "Port to bind")
	serveWorkerCmd.Flags().StringVar(&serveWorkerPath, "project-path", "", "Project directory")
	_ = serveWorkerCmd.MarkFlagRequired("project-path")
}

// workerContext ignores SIGHUP so daemons survive terminal close, and
// cancels on SIGTERM or interrupt for a clean shutdown.
func workerContext() (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGHUP)
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
}

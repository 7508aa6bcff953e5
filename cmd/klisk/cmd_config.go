package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"klisk/cmd/klisk/ui"
	"klisk/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [KEY] [VALUE]",
	Short: "View or set global configuration",
	Long: `View or set workspace-wide configuration.

Examples:
  klisk config                      # show current config
  klisk config defaults.model       # print one value
  klisk config studio.port 9000     # set a value`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadGlobal()
		if err != nil {
			return err
		}

		switch len(args) {
		case 0:
			fmt.Print(cfg.Dump())
			return nil
		case 1:
			value, ok := cfg.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown key: %s", args[0])
			}
			ui.Plain(value)
			return nil
		default:
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			ui.Plain(fmt.Sprintf("  %s = %s", args[0], args[1]))
			return nil
		}
	},
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/architect/internal/config"
	"github.com/steveyegge/architect/internal/ui"
)

var showSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the daemon configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := paths().Config
		cfg, warnings, err := config.Load(path)
		if err != nil {
			return err
		}
		if !showSecrets && cfg.FederationSecret != "" {
			cfg.FederationSecret = "********"
		}
		if jsonOutput {
			outputJSON(map[string]any{"path": path, "config": cfg, "warnings": warnings})
			return nil
		}
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderWarn(ui.IconWarn), w)
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderMuted("# " + path))
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := paths().Config
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"path": path})
			return nil
		}
		fmt.Printf("%s wrote %s\n", ui.RenderPass(ui.IconPass), path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print the federation secret")
	configCmd.AddCommand(configShowCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// Command architectd runs the Architect orchestration daemon and inspects
// or steers it through its state directory.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/architect/internal/architect"
	"github.com/steveyegge/architect/internal/ui"
)

var (
	stateDir   string
	configPath string
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "architectd",
	Short:         "architectd - self-directed improvement orchestrator",
	Long:          `Schedules improvement cycles, drives generation requests through the merge pipeline and reconciles backlogs with federation peers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.InitColor()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("architectd version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(), "Daemon state directory (env ARCHITECT_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <state-dir>/architect.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.Flags().Bool("version", false, "Print version information")
}

func defaultStateDir() string {
	if dir := os.Getenv("ARCHITECT_STATE_DIR"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".architect")
	}
	return ".architect"
}

// paths resolves the state layout from the flags.
func paths() architect.Paths {
	p := architect.DefaultPaths(stateDir)
	if configPath != "" {
		p.Config = configPath
	}
	return p
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			enc := json.NewEncoder(os.Stderr)
			_ = enc.Encode(map[string]string{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail(ui.IconFail), err)
		}
		os.Exit(1)
	}
}

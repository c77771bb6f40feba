package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/architect/internal/eventbus"
	"github.com/steveyegge/architect/internal/inbox"
	"github.com/steveyegge/architect/internal/ui"
)

const cliSource = "architectd-cli"

var (
	pulseActor    string
	emitPayload   string
	emitPriority  string
	emitSource    string
	conflictWhy   string
	allowedPrio   = map[string]bool{"info": true, "warning": true, "critical": true}
	actorCommands = []struct {
		use, short string
		event      eventbus.EventType
	}{
		{"run-now", "Start a cycle immediately unless cooling down or busy", eventbus.EventRunNow},
		{"reset-cooldown", "Clear the failure streak and any active cooldown", eventbus.EventResetCooldown},
		{"reset-adjustments", "Drop trajectory overrides and low-confidence tags", eventbus.EventResetAdjustments},
	}
)

// drop writes a pulse into the daemon's inbox and reports where it went.
func drop(eventType eventbus.EventType, priority eventbus.Priority, source string, payload map[string]any) error {
	env := eventbus.NewEnvelope(time.Now(), source, eventType, priority, payload)
	path, err := inbox.Write(paths().Inbox, env)
	if err != nil {
		return err
	}
	if jsonOutput {
		outputJSON(map[string]any{"queued": path, "envelope": env})
		return nil
	}
	fmt.Printf("%s queued %s %s\n", ui.RenderPass(ui.IconPass), eventType, ui.RenderMuted(path))
	return nil
}

func actor() string {
	if pulseActor != "" {
		return pulseActor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}

var emitCmd = &cobra.Command{
	Use:   "emit <event-type>",
	Short: "Queue an arbitrary pulse for the daemon",
	Long: `Queue an envelope in the inbox. The payload is a JSON object, e.g.

  architectd emit self_expand --payload '{"request_id":"expand_x_y","branch":"architect/x"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := map[string]any{}
		if emitPayload != "" {
			if err := json.Unmarshal([]byte(emitPayload), &payload); err != nil {
				return fmt.Errorf("--payload must be a JSON object: %w", err)
			}
		}
		if !allowedPrio[emitPriority] {
			return fmt.Errorf("--priority must be info, warning or critical, got %q", emitPriority)
		}
		return drop(eventbus.EventType(args[0]), eventbus.Priority(emitPriority), emitSource, payload)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Signal that first boot is complete",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return drop(eventbus.EventFirstBootComplete, eventbus.PriorityInfo, cliSource, nil)
	},
}

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Decide a federation conflict",
}

func conflictAction(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <conflict-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{
				"action":      action,
				"conflict_id": args[0],
				"actor":       actor(),
			}
			if conflictWhy != "" {
				payload["reason"] = conflictWhy
			}
			return drop(eventbus.EventBacklogAction, eventbus.PriorityInfo, cliSource, payload)
		},
	}
}

func init() {
	emitCmd.Flags().StringVar(&emitPayload, "payload", "", "JSON object payload")
	emitCmd.Flags().StringVar(&emitPriority, "priority", "info", "info, warning or critical")
	emitCmd.Flags().StringVar(&emitSource, "source", cliSource, "source_daemon stamped on the envelope")
	rootCmd.AddCommand(emitCmd, activateCmd)

	for _, c := range actorCommands {
		event := c.event
		cmd := &cobra.Command{
			Use:   c.use,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return drop(event, eventbus.PriorityInfo, cliSource, map[string]any{"actor": actor()})
			},
		}
		cmd.Flags().StringVar(&pulseActor, "actor", "", "Actor recorded on the event (default $USER)")
		rootCmd.AddCommand(cmd)
	}

	conflictCmd.PersistentFlags().StringVar(&pulseActor, "actor", "", "Actor recorded on the decision (default $USER)")
	conflictCmd.PersistentFlags().StringVar(&conflictWhy, "reason", "", "Reason recorded with the decision")
	conflictCmd.AddCommand(
		conflictAction("accept", "Accept the backend's merge suggestion"),
		conflictAction("reject", "Reject the suggestion and keep the conflict open"),
		conflictAction("separate", "Keep the variants as separate priorities"),
	)
	rootCmd.AddCommand(conflictCmd)
}

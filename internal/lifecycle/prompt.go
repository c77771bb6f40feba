package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/steveyegge/architect/internal/audit"
	"github.com/steveyegge/architect/internal/backend"
	"github.com/steveyegge/architect/internal/utils"
)

// PromptWriter persists a prompt and its metadata. It picks the final stem,
// adding a numeric suffix when the first choice is taken, and returns both
// paths.
type PromptWriter interface {
	WritePrompt(mode Mode, stem, prompt string, metadata map[string]any) (promptPath, metadataPath string, err error)
}

// DirWriter writes reflection prompts under ReflectionDir and everything
// else under RequestDir as <stem>.txt plus <stem>.json.
type DirWriter struct {
	RequestDir    string
	ReflectionDir string
}

func (w DirWriter) WritePrompt(mode Mode, stem, prompt string, metadata map[string]any) (string, string, error) {
	dir := w.RequestDir
	if mode == ModeReflect {
		dir = w.ReflectionDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create prompt dir: %w", err)
	}
	promptPath := utils.UniquePath(dir, stem, ".txt")
	metaPath := strings.TrimSuffix(promptPath, ".txt") + ".json"
	if err := utils.WriteFileAtomic(promptPath, []byte(prompt)); err != nil {
		return "", "", err
	}
	meta := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta["prompt_path"] = promptPath
	if err := utils.WriteJSONAtomic(metaPath, meta); err != nil {
		return promptPath, "", err
	}
	return promptPath, metaPath, nil
}

// stemOf returns the file stem the writer settled on.
func stemOf(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

const reflectionSchema = `{
  "summary": "string",
  "successes": ["string"],
  "failures": ["string"],
  "regressions": ["string"],
  "next_priorities": ["string"]
}`

func objective(mode Mode) []string {
	switch mode {
	case ModeRepair:
		return []string{
			"Objective: Address regressions, failing diagnostics, or anomalies.",
			"Ensure tests pass and health metrics recover.",
		}
	case ModeExpand:
		return []string{
			"Objective: Implement the requested capability and add test coverage",
			"for the new behavior.",
		}
	}
	return []string{"Objective: Respond to the described situation safely and thoroughly."}
}

func jsonLine(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// buildPrompt renders the request prompt: header, safety envelope, request
// details, recent context, recent ledger entries and the per-mode objective.
func buildPrompt(r *Request, contextEvents []map[string]any, ledger []audit.Entry, history []string) string {
	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line("You are the Architect daemon.")
	line("Mode: %s", r.Mode)
	line("Reason: %s", r.Reason)
	line("")
	line("%s", backend.SafetyEnvelope)
	line("")

	if len(r.Details) > 0 {
		keys := make([]string, 0, len(r.Details))
		for k := range r.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line("Request Details:")
		for _, k := range keys {
			line("- %s: %v", k, r.Details[k])
		}
		line("")
	}
	if len(contextEvents) > 0 {
		line("Context Events:")
		for _, e := range contextEvents {
			line("- %s", jsonLine(e))
		}
		line("")
	}
	if len(ledger) > 0 {
		line("Recent Ledger Snapshot:")
		for _, e := range ledger {
			line("- %s", jsonLine(e))
		}
		line("")
	}

	if r.Mode == ModeReflect {
		window := len(history)
		if window == 0 {
			window = 10
		}
		line("Reflection Prompt:")
		line("Review the last %d cycles.", window)
		line("Summarize outcomes (success, failure, approval, cooldown).")
		line("Identify regressions or recurring issues.")
		line("Suggest next-step priorities.")
		line("Respond in JSON only using this schema:")
		line("%s", reflectionSchema)
		if len(history) > 0 {
			line("")
			line("Recent Cycle Outcomes:")
			for _, h := range history {
				line("- %s", h)
			}
		}
		line("")
		line("Focus on analysis only; do not propose code patches or file changes.")
	} else {
		for _, l := range objective(r.Mode) {
			line("%s", l)
		}
		line("")
		line("Always generate actionable plans and patches suitable for automated application.")
	}
	return b.String()
}

package federation

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/steveyegge/architect/internal/backend"
	"github.com/steveyegge/architect/internal/backlog"
)

var resolutionTemplate = template.Must(template.New("resolution").Funcs(template.FuncMap{
	"quote": func(s string) string {
		b, _ := json.Marshal(s)
		return string(b)
	},
}).Parse(`You are reconciling a federated priority backlog shared between peers.
{{.Safety}}
These peers proposed overlapping but different priorities:
{{range .Variants}}- Peer {{.Peer}}: {{quote .Text}}
{{end}}
Suggest one priority that keeps the intent of every variant and removes the duplication.
Respond with a single JSON object and nothing else: {"merged_priority": "string", "notes": "string"}
`))

func resolutionPrompt(c backlog.Conflict) string {
	var buf bytes.Buffer
	_ = resolutionTemplate.Execute(&buf, struct {
		Safety   string
		Variants []backlog.Variant
	}{backend.SafetyEnvelope, c.Variants})
	return buf.String()
}

// Parse failure reasons for backend output.
const (
	ReasonInvalidJSON           = "invalid_json"
	ReasonInvalidSchema         = "invalid_schema"
	ReasonInvalidMergedPriority = "invalid_merged_priority"
	ReasonInvalidNotes          = "invalid_notes"
)

// ParseSuggestion validates backend output: one JSON object with exactly the
// keys merged_priority (non-empty string) and notes (string). On failure it
// returns one of the Reason constants.
func ParseSuggestion(output string) (merged, notes, reason string) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(output)))
	if err := dec.Decode(&fields); err != nil {
		var probe any
		if json.Unmarshal([]byte(strings.TrimSpace(output)), &probe) == nil {
			return "", "", ReasonInvalidSchema
		}
		return "", "", ReasonInvalidJSON
	}
	if dec.More() {
		return "", "", ReasonInvalidJSON
	}
	if fields == nil || len(fields) != 2 {
		return "", "", ReasonInvalidSchema
	}
	rawMerged, ok1 := fields["merged_priority"]
	rawNotes, ok2 := fields["notes"]
	if !ok1 || !ok2 {
		return "", "", ReasonInvalidSchema
	}
	if err := json.Unmarshal(rawMerged, &merged); err != nil || strings.TrimSpace(merged) == "" {
		return "", "", ReasonInvalidMergedPriority
	}
	if string(rawNotes) == "null" || json.Unmarshal(rawNotes, &notes) != nil {
		return "", "", ReasonInvalidNotes
	}
	return strings.TrimSpace(merged), strings.TrimSpace(notes), ""
}

package backlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidReflection marks reflection output that cannot be used.
var ErrInvalidReflection = errors.New("invalid reflection")

// Reflection is the structured self-assessment produced by a reflect request.
type Reflection struct {
	Summary        string   `json:"summary"`
	Successes      []string `json:"successes"`
	Failures       []string `json:"failures"`
	Regressions    []string `json:"regressions"`
	NextPriorities []string `json:"next_priorities"`
}

// Priorities returns the trimmed, non-empty next priorities.
func (r Reflection) Priorities() []string {
	var out []string
	for _, p := range r.NextPriorities {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseReflection decodes raw reflection output. It accepts the JSON object
// itself or a JSON string containing it. All five fields are required with
// the right shapes.
func ParseReflection(raw []byte) (Reflection, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		raw = []byte(text)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Reflection{}, fmt.Errorf("%w: not a JSON object", ErrInvalidReflection)
	}

	var r Reflection
	if err := decodeField(fields, "summary", &r.Summary); err != nil {
		return Reflection{}, err
	}
	lists := []struct {
		key string
		dst *[]string
	}{
		{"successes", &r.Successes},
		{"failures", &r.Failures},
		{"regressions", &r.Regressions},
		{"next_priorities", &r.NextPriorities},
	}
	for _, l := range lists {
		if err := decodeField(fields, l.key, l.dst); err != nil {
			return Reflection{}, err
		}
		if *l.dst == nil {
			*l.dst = []string{}
		}
	}
	r.Summary = strings.TrimSpace(r.Summary)
	return r, nil
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return fmt.Errorf("%w: missing %s", ErrInvalidReflection, key)
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: %s has the wrong type", ErrInvalidReflection, key)
	}
	return nil
}
